package server

import (
	"context"
	"net/http"

	"github.com/diracgrid/dirac-auth/token"
)

// claimsContextKey is the context key AuthGuard stashes verified claims
// under, grounded on the teacher's clientTokenMiddleware pattern in
// server/auth_middleware.go, generalized from its legacy jose/key/oidc
// verification to this package's own token.Issuer.
type claimsContextKey struct{}

// ClaimsFromContext retrieves the DIRACClaims a prior AuthGuard call
// stashed in ctx, for downstream handlers or tests.
func ClaimsFromContext(ctx context.Context) (token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(token.Claims)
	return claims, ok
}

// AuthGuard extracts the Authorization header, verifies it via
// TokenIssuer.Verify, and either calls next with the claims stashed in the
// request context, or writes a 401 InvalidJWT response.
func (s *Server) AuthGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.tokenIssuer.Verify(r.Header.Get("Authorization"))
		if err != nil {
			s.writeAPIError(w, newAPIError(kindInvalidJWT, "invalid JWT"))
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireProperties builds a second-tier guard that 403s unless the
// verified claims satisfy expr. Must run after AuthGuard.
func (s *Server) RequireProperties(expr PropertyExpr) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				s.writeAPIError(w, newAPIError(kindInternal, "AuthGuard did not run before RequireProperties"))
				return
			}
			if !expr.Eval(claims) {
				s.writeAPIError(w, newAPIError(kindForbidden, "missing required property"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PropertyExpr is the tagged variant {Leaf, And, Or, Not} the design notes
// call for: a boolean expression over a claim set's dirac_properties.
type PropertyExpr interface {
	Eval(claims token.Claims) bool
}

// Leaf requires a single named property to be held.
type Leaf struct{ Property string }

func (l Leaf) Eval(claims token.Claims) bool { return claims.HasProperty(l.Property) }

// And requires every child expression to hold.
type And []PropertyExpr

func (a And) Eval(claims token.Claims) bool {
	for _, child := range a {
		if !child.Eval(claims) {
			return false
		}
	}
	return true
}

// Or requires at least one child expression to hold.
type Or []PropertyExpr

func (o Or) Eval(claims token.Claims) bool {
	for _, child := range o {
		if child.Eval(claims) {
			return true
		}
	}
	return false
}

// Not negates a single child expression.
type Not struct{ Expr PropertyExpr }

func (n Not) Eval(claims token.Claims) bool { return !n.Expr.Eval(claims) }
