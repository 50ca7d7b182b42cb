package httpapi_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel"

	"github.com/innovabiz/roleclosure/internal/closure"
	"github.com/innovabiz/roleclosure/internal/dbtest"
	"github.com/innovabiz/roleclosure/internal/httpapi"
	"github.com/innovabiz/roleclosure/internal/query"
	"github.com/innovabiz/roleclosure/internal/store"
)

type RouterTestSuite struct {
	suite.Suite
	db      *store.DB
	engine  *closure.Engine
	handler http.Handler
	ctx     context.Context
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}

func (s *RouterTestSuite) SetupSuite() {
	s.ctx = context.Background()
	s.db = dbtest.NewTestDB(s.T())
}

func (s *RouterTestSuite) SetupTest() {
	s.engine = closure.New(s.db)
	surface := query.New(s.db, s.engine)
	s.handler = httpapi.NewRouter(surface, otel.Tracer("roleclosure.httpapi.test"))

	_, err := s.db.Pool().Exec(s.ctx, `TRUNCATE roles, parents, ancestors RESTART IDENTITY CASCADE`)
	require.NoError(s.T(), err)
}

func (s *RouterTestSuite) createRole(roleField string) uuid.UUID {
	id := uuid.New()
	_, err := s.db.Pool().Exec(s.ctx, `
		INSERT INTO roles (id, role_field, content_type, object_id, implicit_parents)
		VALUES ($1, $2, 0, 0, '[]')
	`, id, roleField)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.engine.OnRoleMutated(s.ctx, []uuid.UUID{id}))
	return id
}

func (s *RouterTestSuite) addParent(from, to uuid.UUID) {
	_, err := s.db.Pool().Exec(s.ctx, `INSERT INTO parents (from_role, to_role) VALUES ($1, $2)`, from, to)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.engine.OnRoleMutated(s.ctx, []uuid.UUID{from}))
}

func (s *RouterTestSuite) addMember(roleID, principalID uuid.UUID) {
	_, err := s.db.Pool().Exec(s.ctx, `INSERT INTO role_members (role_id, principal_id) VALUES ($1, $2)`, roleID, principalID)
	require.NoError(s.T(), err)
}

func (s *RouterTestSuite) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *RouterTestSuite) TestRoleContainsOK() {
	admin := s.createRole("admin")
	viewer := s.createRole("viewer")
	s.addParent(viewer, admin)

	rec := s.do(http.MethodGet, fmt.Sprintf("/roles/%s/contains?role_id=%s", viewer, admin))
	s.Require().Equal(http.StatusOK, rec.Code)

	var body struct {
		Contains bool `json:"contains"`
	}
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &body))
	s.Require().True(body.Contains)
}

func (s *RouterTestSuite) TestRoleContainsInvalidRoleID() {
	rec := s.do(http.MethodGet, "/roles/not-a-uuid/contains?role_id="+uuid.NewString())
	s.Require().Equal(http.StatusBadRequest, rec.Code)
}

func (s *RouterTestSuite) TestRoleContainsMissingAccessor() {
	admin := s.createRole("admin")
	rec := s.do(http.MethodGet, fmt.Sprintf("/roles/%s/contains", admin))
	s.Require().Equal(http.StatusBadRequest, rec.Code)
}

func (s *RouterTestSuite) TestRolesOnResource() {
	ownerRole := uuid.New()
	_, err := s.db.Pool().Exec(s.ctx, `
		INSERT INTO roles (id, role_field, content_type, object_id, implicit_parents)
		VALUES ($1, 'owner', 7, 42, '[]')
	`, ownerRole)
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.engine.OnRoleMutated(s.ctx, []uuid.UUID{ownerRole}))

	rec := s.do(http.MethodGet, fmt.Sprintf("/resources/7/42/roles?role_id=%s", ownerRole))
	s.Require().Equal(http.StatusOK, rec.Code)

	var body struct {
		Roles []string `json:"roles"`
	}
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &body))
	s.Require().Equal([]string{"owner"}, body.Roles)
}

func (s *RouterTestSuite) TestVisibleRoles() {
	admin := s.createRole("admin")
	viewer := s.createRole("viewer")
	s.addParent(viewer, admin)

	principal := uuid.New()
	s.addMember(viewer, principal)

	rec := s.do(http.MethodGet, fmt.Sprintf("/principals/%s/visible-roles", principal))
	s.Require().Equal(http.StatusOK, rec.Code)

	var body struct {
		Roles []struct {
			ID string `json:"id"`
		} `json:"roles"`
	}
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &body))
	s.Require().Len(body.Roles, 2)
}

func (s *RouterTestSuite) TestIsAncestorOf() {
	admin := s.createRole("admin")
	viewer := s.createRole("viewer")
	s.addParent(viewer, admin)

	rec := s.do(http.MethodGet, fmt.Sprintf("/roles/%s/ancestor-of/%s", admin, viewer))
	s.Require().Equal(http.StatusOK, rec.Code)

	var body struct {
		IsAncestorOf bool `json:"is_ancestor_of"`
	}
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &body))
	s.Require().True(body.IsAncestorOf)
}

func (s *RouterTestSuite) TestSingletonCreatesOnFirstRequest() {
	target := "/singletons/" + url.PathEscape("System Auditor")

	rec := s.do(http.MethodGet, target)
	s.Require().Equal(http.StatusOK, rec.Code)

	var first struct {
		ID            string `json:"id"`
		SingletonName string `json:"singleton_name"`
	}
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &first))
	s.Require().Equal("System Auditor", first.SingletonName)

	rec = s.do(http.MethodGet, target)
	s.Require().Equal(http.StatusOK, rec.Code)

	var second struct {
		ID string `json:"id"`
	}
	require.NoError(s.T(), json.Unmarshal(rec.Body.Bytes(), &second))
	s.Require().Equal(first.ID, second.ID)
}
