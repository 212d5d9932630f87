package http

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/atp-proto/atp-server/atp/atperrors"
	"github.com/atp-proto/atp-server/atp/session"
)

type ctxKey int

const sessionCtxKey ctxKey = 0

// sessionFromContext retrieves the verified session a withAuth middleware
// attached to the request context.
func sessionFromContext(ctx context.Context) (session.Session, bool) {
	sess, ok := ctx.Value(sessionCtxKey).(session.Session)
	return sess, ok
}

// withAuth verifies the `Authorization: Bearer <token>` header and attaches
// the resulting Session to the request context before calling next (spec
// §6 "All authenticated endpoints accept Authorization: Bearer <token>").
// A token that rotates mid-request gets the fresh token echoed back on
// X-ATP-Token so the client can pick it up without a round trip (spec §4.B
// "MaybeRotate").
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawToken := bearerToken(r.Header.Get("Authorization"))
		sess, err := s.sessions.Verify(r.Context(), rawToken)
		if err != nil {
			writeError(w, err)
			return
		}

		if tok, rotated, rerr := s.sessions.MaybeRotate(r.Context(), sess, time.Now().UTC()); rerr == nil && rotated {
			w.Header().Set("X-ATP-Token", tok)
		}

		ctx := context.WithValue(r.Context(), sessionCtxKey, sess)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// requireSession is a handler-local helper for the rare case a handler
// needs the session without going through withAuth's early-return (none
// currently do; kept so handlers can defensively assert the invariant).
func requireSession(r *http.Request) (session.Session, error) {
	sess, ok := sessionFromContext(r.Context())
	if !ok {
		return session.Session{}, atperrors.Opaque(atperrors.SubMalformedToken)
	}
	return sess, nil
}
