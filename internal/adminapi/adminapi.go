// Package adminapi provides the daemon's local HTTP surface: an
// unauthenticated liveness probe and a JWT-protected statistics endpoint. It
// plays the role the reference design's internal/server/rest package plays
// for the dashboard, with the chi router and RS256 Bearer middleware kept
// verbatim in spirit and repointed at the pipeline's own health snapshot
// instead of a PostgreSQL-backed alert query.
package adminapi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/hostguard/internal/fanout"
	"github.com/tripwire/hostguard/internal/pipeline"
)

type contextKey int

const claimsKey contextKey = iota

// Claims is the JWT claim set expected on authenticated routes.
type Claims struct {
	jwt.RegisteredClaims
}

// Server backs the admin HTTP surface with a running pipeline and publisher.
type Server struct {
	pipeline  *pipeline.Service
	publisher *fanout.Publisher
}

// NewRouter returns a configured chi.Router.
//
//	GET /healthz         – liveness probe, no authentication
//	GET /api/v1/stats     – pipeline statistics and subscriber count (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on
// /api routes. Pass nil to disable JWT validation, e.g. in tests that cover
// only request parsing and response formatting.
func NewRouter(svc *pipeline.Service, publisher *fanout.Publisher, pubKey *rsa.PublicKey) http.Handler {
	srv := &Server{pipeline: svc, publisher: publisher}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(jwtMiddleware(pubKey))
		}
		r.Get("/stats", srv.handleStats)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h := s.pipeline.Health()
	w.Header().Set("Content-Type", "application/json")
	if !h.Running {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(h)
}

type statsResponse struct {
	pipeline.Statistics
	SubscriberCount int `json:"subscriber_count"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statsResponse{
		Statistics:      s.pipeline.GetStatistics(),
		SubscriberCount: s.publisher.SubscriberCount(),
	})
}

// jwtMiddleware validates RS256 Bearer tokens the same way the dashboard's
// own JWTMiddleware does, storing the parsed Claims in the request context.
func jwtMiddleware(pubKey *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "Authorization header must be Bearer token")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return pubKey, nil
			}, jwt.WithValidMethods([]string{"RS256"}))

			if err != nil || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves the JWT claims stored by jwtMiddleware. It
// returns nil on the unauthenticated /healthz route.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
