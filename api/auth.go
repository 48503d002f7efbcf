/*
auth.go - Bearer-token authentication and role gates

PURPOSE:
  Resolves the Authorization header to a lifecycle.Actor and stores it in
  the request context. Identity lookup is an external concern; the
  StaticTokens table configured under auth.tokens is the development
  implementation of Authenticator.

  StaticTokens also answers lifecycle.Directory so the controller can
  check that an assignee really is a contractor.
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/warp/campfire-engine/config"
	"github.com/warp/campfire-engine/lifecycle"
)

// ErrUnauthenticated is returned for a missing or unknown token.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves a bearer token to the calling actor.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (lifecycle.Actor, error)
}

// StaticTokens is a fixed token table.
type StaticTokens struct {
	byToken map[string]lifecycle.Actor
	roles   map[string]lifecycle.Role
}

var (
	_ Authenticator       = (*StaticTokens)(nil)
	_ lifecycle.Directory = (*StaticTokens)(nil)
)

// NewStaticTokens builds the table, rejecting unknown roles and users
// configured with two different roles.
func NewStaticTokens(tokens []config.TokenConfig) (*StaticTokens, error) {
	st := &StaticTokens{
		byToken: make(map[string]lifecycle.Actor, len(tokens)),
		roles:   make(map[string]lifecycle.Role, len(tokens)),
	}
	for _, t := range tokens {
		role, err := lifecycle.ParseRole(t.Role)
		if err != nil {
			return nil, err
		}
		if prev, ok := st.roles[t.UserID]; ok && prev != role {
			return nil, &lifecycle.ValidationError{Field: "auth.tokens", Reason: "user " + t.UserID + " has conflicting roles"}
		}
		st.byToken[t.Token] = lifecycle.Actor{ID: t.UserID, Role: role}
		st.roles[t.UserID] = role
	}
	return st, nil
}

func (s *StaticTokens) Authenticate(_ context.Context, token string) (lifecycle.Actor, error) {
	actor, ok := s.byToken[token]
	if !ok {
		return lifecycle.Actor{}, ErrUnauthenticated
	}
	return actor, nil
}

func (s *StaticTokens) RoleOf(_ context.Context, userID string) (lifecycle.Role, error) {
	role, ok := s.roles[userID]
	if !ok {
		return "", &lifecycle.NotFoundError{Kind: "user", ID: userID}
	}
	return role, nil
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type actorKey struct{}

// WithActor returns ctx carrying actor.
func WithActor(ctx context.Context, actor lifecycle.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the authenticated actor of the request.
func ActorFrom(ctx context.Context) (lifecycle.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(lifecycle.Actor)
	return actor, ok
}

// Authenticate rejects requests without a valid bearer token.
func Authenticate(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			actor, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid bearer token", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireAdmin lets only admins through. It must run after Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		if !ok || actor.Role != lifecycle.RoleAdmin {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "Admin role required", Code: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}
