package middleware

import (
	"net/http"

	"github.com/axisflow/trustplane/internal/trust"
)

// TrustContext parses the trust header set on every request and scopes the
// envelope (and the resolved session, when a live one is referenced) to
// the request context. Parsing never rejects a request; malformed headers
// degrade to an empty envelope.
func TrustContext(extractor *trust.Extractor, sessions *trust.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			envelope := extractor.Extract(r.Header)
			ctx := trust.WithEnvelope(r.Context(), envelope)

			if envelope.SessionID != "" && sessions != nil {
				if session := sessions.GetSession(envelope.SessionID); session != nil {
					sessions.Touch(session.SessionID)
					ctx = trust.WithCurrentSession(ctx, session)
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
