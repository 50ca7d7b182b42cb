package closure_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/innovabiz/roleclosure/internal/closure"
	"github.com/innovabiz/roleclosure/internal/closureerr"
	"github.com/innovabiz/roleclosure/internal/dbtest"
	"github.com/innovabiz/roleclosure/internal/store"
)

// EngineTestSuite exercises the layered rebuild algorithm against a real
// Postgres container: chains, diamonds, cycles, edge removal, and batching.
type EngineTestSuite struct {
	suite.Suite
	db     *store.DB
	engine *closure.Engine
	ctx    context.Context
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func (s *EngineTestSuite) SetupSuite() {
	s.ctx = context.Background()
	s.db = dbtest.NewTestDB(s.T())
}

func (s *EngineTestSuite) SetupTest() {
	s.engine = closure.New(s.db).WithSafetyLimit(closure.DefaultSafetyLimit)
	_, err := s.db.Pool().Exec(s.ctx, `TRUNCATE roles, parents, ancestors RESTART IDENTITY CASCADE`)
	require.NoError(s.T(), err)
}

func (s *EngineTestSuite) createRole(roleField string) uuid.UUID {
	id := uuid.New()
	_, err := s.db.Pool().Exec(s.ctx, `
		INSERT INTO roles (id, role_field, content_type, object_id, implicit_parents)
		VALUES ($1, $2, 0, 0, '[]')
	`, id, roleField)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.engine.OnRoleMutated(s.ctx, []uuid.UUID{id}))
	return id
}

func (s *EngineTestSuite) addParent(from, to uuid.UUID) {
	_, err := s.db.Pool().Exec(s.ctx, `INSERT INTO parents (from_role, to_role) VALUES ($1, $2)`, from, to)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.engine.OnRoleMutated(s.ctx, []uuid.UUID{from}))
}

func (s *EngineTestSuite) removeParent(from, to uuid.UUID) {
	_, err := s.db.Pool().Exec(s.ctx, `DELETE FROM parents WHERE from_role = $1 AND to_role = $2`, from, to)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.engine.OnRoleMutated(s.ctx, []uuid.UUID{from}))
}

func (s *EngineTestSuite) ancestorsOf(descendent uuid.UUID) []uuid.UUID {
	rows, err := s.db.Pool().Query(s.ctx, `SELECT ancestor FROM ancestors WHERE descendent = $1`, descendent)
	require.NoError(s.T(), err)
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		require.NoError(s.T(), rows.Scan(&id))
		out = append(out, id)
	}
	return out
}

// A -> B -> C: A's ancestors are {A, B, C}.
func (s *EngineTestSuite) TestChain() {
	a := s.createRole("a")
	b := s.createRole("b")
	c := s.createRole("c")

	s.addParent(a, b)
	s.addParent(b, c)

	s.Require().ElementsMatch([]uuid.UUID{a, b, c}, s.ancestorsOf(a))
	s.Require().ElementsMatch([]uuid.UUID{b, c}, s.ancestorsOf(b))
	s.Require().ElementsMatch([]uuid.UUID{c}, s.ancestorsOf(c))
}

// D has two parents B and C, which both inherit from A: D's ancestors are
// {D, B, C, A}, with A reached through two distinct paths.
func (s *EngineTestSuite) TestDiamond() {
	a := s.createRole("a")
	b := s.createRole("b")
	c := s.createRole("c")
	d := s.createRole("d")

	s.addParent(b, a)
	s.addParent(c, a)
	s.addParent(d, b)
	s.addParent(d, c)

	s.Require().ElementsMatch([]uuid.UUID{a, b, c, d}, s.ancestorsOf(d))
}

// A -> B -> A: both roles end up ancestors of each other and of themselves.
func (s *EngineTestSuite) TestCycle() {
	a := s.createRole("a")
	b := s.createRole("b")

	s.addParent(a, b)
	s.addParent(b, a)

	s.Require().ElementsMatch([]uuid.UUID{a, b}, s.ancestorsOf(a))
	s.Require().ElementsMatch([]uuid.UUID{a, b}, s.ancestorsOf(b))
}

// Removing an edge in a chain shrinks the descendent's ancestor set but
// leaves the rest of the graph untouched.
func (s *EngineTestSuite) TestRemoveEdge() {
	a := s.createRole("a")
	b := s.createRole("b")
	c := s.createRole("c")

	s.addParent(a, b)
	s.addParent(b, c)
	s.Require().ElementsMatch([]uuid.UUID{a, b, c}, s.ancestorsOf(a))

	s.removeParent(a, b)

	s.Require().ElementsMatch([]uuid.UUID{a}, s.ancestorsOf(a))
	s.Require().ElementsMatch([]uuid.UUID{b, c}, s.ancestorsOf(b))
}

// A longer chain exercises more than one layer of the rebuild loop.
func (s *EngineTestSuite) TestBatchOfManyRoles() {
	const depth = 12
	ids := make([]uuid.UUID, depth)
	for i := 0; i < depth; i++ {
		ids[i] = s.createRole(uuid.NewString())
	}
	for i := 0; i < depth-1; i++ {
		s.addParent(ids[i], ids[i+1])
	}

	s.Require().Len(s.ancestorsOf(ids[0]), depth)
	s.Require().Len(s.ancestorsOf(ids[depth-1]), 1)
}

// Rebuild is idempotent: calling OnRoleMutated again with no graph change
// leaves the ancestor set exactly as it was.
func (s *EngineTestSuite) TestIdempotence() {
	a := s.createRole("a")
	b := s.createRole("b")
	s.addParent(a, b)

	before := s.ancestorsOf(a)
	require.NoError(s.T(), s.engine.OnRoleMutated(s.ctx, []uuid.UUID{a}))
	after := s.ancestorsOf(a)

	s.Require().ElementsMatch(before, after)
}

// Rebuilding from either end of an edge addition reaches the same fixed
// point: order of edit application does not matter to the final closure.
func (s *EngineTestSuite) TestOrderIndependence() {
	a := s.createRole("a")
	b := s.createRole("b")
	c := s.createRole("c")

	_, err := s.db.Pool().Exec(s.ctx, `INSERT INTO parents (from_role, to_role) VALUES ($1, $2), ($3, $4)`, a, b, b, c)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.engine.OnRoleMutated(s.ctx, []uuid.UUID{c, a, b}))

	s.Require().ElementsMatch([]uuid.UUID{a, b, c}, s.ancestorsOf(a))
	s.Require().ElementsMatch([]uuid.UUID{b, c}, s.ancestorsOf(b))
}

// A rebuild seeded from a leaf role does not touch unrelated roles'
// ancestor rows.
func (s *EngineTestSuite) TestLocality() {
	a := s.createRole("a")
	b := s.createRole("b")
	unrelated := s.createRole("unrelated")

	s.addParent(a, b)
	before := s.ancestorsOf(unrelated)

	require.NoError(s.T(), s.engine.OnRoleMutated(s.ctx, []uuid.UUID{a}))

	s.Require().ElementsMatch(before, s.ancestorsOf(unrelated))
}

// RebuildAll recomputes the closure for every role from scratch and
// reaches the same fixed point as incremental maintenance.
func (s *EngineTestSuite) TestRebuildAllMatchesIncremental() {
	a := s.createRole("a")
	b := s.createRole("b")
	c := s.createRole("c")
	s.addParent(a, b)
	s.addParent(b, c)

	incremental := s.ancestorsOf(a)

	require.NoError(s.T(), s.engine.RebuildAll(s.ctx))

	s.Require().ElementsMatch(incremental, s.ancestorsOf(a))
}

// A long chain whose edges are all added before a single rebuild forces the
// layered algorithm to converge gradually from the root outward, one hop
// per layer; a safety limit far below the chain's depth trips the
// consistency abort, proving the bound is enforced rather than decorative.
func (s *EngineTestSuite) TestSafetyLimitAborts() {
	const depth = 30
	ids := make([]uuid.UUID, depth)
	for i := 0; i < depth; i++ {
		ids[i] = s.createRole(uuid.NewString())
	}
	// ids[i] inherits ids[i+1]; ids[depth-1] is the root ancestor.
	seed := make([]uuid.UUID, 0, depth-1)
	for i := 0; i < depth-1; i++ {
		_, err := s.db.Pool().Exec(s.ctx, `INSERT INTO parents (from_role, to_role) VALUES ($1, $2)`, ids[i], ids[i+1])
		require.NoError(s.T(), err)
		seed = append(seed, ids[i])
	}

	tight := closure.New(s.db).WithSafetyLimit(2)
	err := tight.OnRoleMutated(s.ctx, seed)

	var consistencyErr *closureerr.ConsistencyError
	s.Require().ErrorAs(err, &consistencyErr)
}

// Batching coalesces several mutations behind one rebuild: the closure is
// only correct once the batching scope returns, but it is correct then.
func (s *EngineTestSuite) TestBatching() {
	a := s.createRole("a")
	b := s.createRole("b")
	c := s.createRole("c")

	err := s.engine.Batching(s.ctx, false, func(ctx context.Context) error {
		if _, err := s.db.Pool().Exec(ctx, `INSERT INTO parents (from_role, to_role) VALUES ($1, $2)`, a, b); err != nil {
			return err
		}
		if err := s.engine.OnRoleMutated(ctx, []uuid.UUID{a}); err != nil {
			return err
		}
		if _, err := s.db.Pool().Exec(ctx, `INSERT INTO parents (from_role, to_role) VALUES ($1, $2)`, b, c); err != nil {
			return err
		}
		return s.engine.OnRoleMutated(ctx, []uuid.UUID{b})
	})
	require.NoError(s.T(), err)

	s.Require().ElementsMatch([]uuid.UUID{a, b, c}, s.ancestorsOf(a))
}

// A nested Batching call without allowNesting is rejected rather than
// silently sharing or clobbering the outer batch.
func (s *EngineTestSuite) TestBatchingRejectsNestingByDefault() {
	err := s.engine.Batching(s.ctx, false, func(ctx context.Context) error {
		return s.engine.Batching(ctx, false, func(ctx context.Context) error {
			return nil
		})
	})
	s.Require().ErrorIs(err, closureerr.ErrNesting)
}
