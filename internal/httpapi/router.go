// Package httpapi exposes the query surface over HTTP GETs: whether a
// role contains an accessor, which roles an accessor holds on a resource,
// the roles visible to a principal, whether one role is an ancestor of
// another, and singleton lookup (which creates the singleton if absent) —
// so an external caller need not reach into internal/query directly.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/innovabiz/roleclosure/internal/model"
	"github.com/innovabiz/roleclosure/internal/query"
)

// Handler serves the read-only query surface.
type Handler struct {
	surface *query.Surface
	tracer  trace.Tracer
}

// NewRouter builds a chi router exposing the query surface, with request
// logging/recovery middleware and permissive CORS for read-only GETs.
func NewRouter(surface *query.Surface, tracer trace.Tracer) http.Handler {
	h := &Handler{surface: surface, tracer: tracer}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{http.MethodGet},
	}))

	r.Get("/roles/{roleID}/contains", h.roleContains)
	r.Get("/resources/{contentType}/{objectID}/roles", h.rolesOnResource)
	r.Get("/principals/{principalID}/visible-roles", h.visibleRoles)
	r.Get("/roles/{roleID}/ancestor-of/{otherID}", h.isAncestorOf)
	r.Get("/singletons/{name}", h.singleton)

	return r
}

func (h *Handler) roleContains(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "httpapi.roleContains")
	defer span.End()
	reqID := getRequestID(r)

	roleID, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_role_id", "role id must be a uuid", reqID)
		return
	}

	accessor, err := accessorFromQuery(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_accessor", err.Error(), reqID)
		return
	}

	span.SetAttributes(attribute.String("role.id", roleID.String()))

	contains, err := h.surface.RoleContains(ctx, roleID, accessor)
	if err != nil {
		writeSurfaceError(w, err, reqID)
		return
	}
	respondWithJSON(w, http.StatusOK, struct {
		Contains bool `json:"contains"`
	}{Contains: contains})
}

func (h *Handler) rolesOnResource(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "httpapi.rolesOnResource")
	defer span.End()
	reqID := getRequestID(r)

	contentType, err := strconv.ParseInt(chi.URLParam(r, "contentType"), 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_content_type", "content type must be an integer", reqID)
		return
	}
	objectID, err := strconv.ParseInt(chi.URLParam(r, "objectID"), 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_object_id", "object id must be an integer", reqID)
		return
	}

	accessor, err := accessorFromQuery(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_accessor", err.Error(), reqID)
		return
	}

	span.SetAttributes(attribute.Int64("resource.content_type", contentType), attribute.Int64("resource.object_id", objectID))

	fields, err := h.surface.RolesOnResource(ctx, contentType, objectID, accessor)
	if err != nil {
		writeSurfaceError(w, err, reqID)
		return
	}
	respondWithJSON(w, http.StatusOK, struct {
		Roles []string `json:"roles"`
	}{Roles: fields})
}

func (h *Handler) visibleRoles(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "httpapi.visibleRoles")
	defer span.End()
	reqID := getRequestID(r)

	principalID, err := uuid.Parse(chi.URLParam(r, "principalID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_principal_id", "principal id must be a uuid", reqID)
		return
	}

	roles, err := h.surface.VisibleRoles(ctx, principalID)
	if err != nil {
		writeSurfaceError(w, err, reqID)
		return
	}
	respondWithJSON(w, http.StatusOK, struct {
		Roles []model.Role `json:"roles"`
	}{Roles: roles})
}

func (h *Handler) isAncestorOf(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "httpapi.isAncestorOf")
	defer span.End()
	reqID := getRequestID(r)

	roleID, err := uuid.Parse(chi.URLParam(r, "roleID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_role_id", "role id must be a uuid", reqID)
		return
	}
	otherID, err := uuid.Parse(chi.URLParam(r, "otherID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_role_id", "role id must be a uuid", reqID)
		return
	}

	isAncestor, err := h.surface.IsAncestorOf(ctx, roleID, otherID)
	if err != nil {
		writeSurfaceError(w, err, reqID)
		return
	}
	respondWithJSON(w, http.StatusOK, struct {
		IsAncestorOf bool `json:"is_ancestor_of"`
	}{IsAncestorOf: isAncestor})
}

func (h *Handler) singleton(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "httpapi.singleton")
	defer span.End()
	reqID := getRequestID(r)

	name := chi.URLParam(r, "name")
	role, err := h.surface.Singleton(ctx, name)
	if err != nil {
		writeSurfaceError(w, err, reqID)
		return
	}
	respondWithJSON(w, http.StatusOK, role)
}

// accessorFromQuery builds a model.Accessor from the query parameters the
// contains and per-resource endpoints accept: one of role_id,
// group_role_id, or accessor_content_type+accessor_object_id.
func accessorFromQuery(r *http.Request) (model.Accessor, error) {
	q := r.URL.Query()

	if v := q.Get("role_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return model.Accessor{}, errors.New("role_id must be a uuid")
		}
		return model.RoleAccessor(id), nil
	}
	if v := q.Get("group_role_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return model.Accessor{}, errors.New("group_role_id must be a uuid")
		}
		return model.Group(id), nil
	}
	if ctStr, objStr := q.Get("accessor_content_type"), q.Get("accessor_object_id"); ctStr != "" && objStr != "" {
		ct, err := strconv.ParseInt(ctStr, 10, 64)
		if err != nil {
			return model.Accessor{}, errors.New("accessor_content_type must be an integer")
		}
		obj, err := strconv.ParseInt(objStr, 10, 64)
		if err != nil {
			return model.Accessor{}, errors.New("accessor_object_id must be an integer")
		}
		return model.Object(ct, obj), nil
	}

	return model.Accessor{}, errors.New("one of role_id, group_role_id, or accessor_content_type+accessor_object_id is required")
}

func writeSurfaceError(w http.ResponseWriter, err error, reqID string) {
	var notFound *model.RoleNotFoundError
	var unknownKind *model.UnknownAccessorKindError

	switch {
	case errors.As(err, &notFound):
		respondWithError(w, http.StatusNotFound, "role_not_found", notFound.Error(), reqID)
	case errors.As(err, &unknownKind):
		respondWithError(w, http.StatusBadRequest, "unknown_accessor_kind", unknownKind.Error(), reqID)
	default:
		log.Error().Err(err).Str("request_id", reqID).Msg("query surface error")
		respondWithError(w, http.StatusInternalServerError, "internal_error", "internal error", reqID)
	}
}
