package ratelimit

import (
	"errors"
	"net"
	"net/http"
	"strings"
)

// KeyFunc derives the identity a request is counted against.
type KeyFunc func(r *http.Request) (string, bool)

// ClientIP identifies requests by client address. X-Forwarded-For is only
// consulted when trustXFF is set.
func ClientIP(trustXFF bool) KeyFunc {
	return func(r *http.Request) (string, bool) {
		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
					return ip, true
				}
			}
		}
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host, true
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr, true
		}
		return "", false
	}
}

// HeaderKey identifies requests by a header such as an authenticated user id,
// falling back to next when the header is absent.
func HeaderKey(header string, next KeyFunc) KeyFunc {
	return func(r *http.Request) (string, bool) {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return "user:" + v, true
		}
		if next == nil {
			return "", false
		}
		return next(r)
	}
}

// Middleware enforces the rule registered under name. Exceeded limits get
// 429 with a Rejection body; an unreachable store gets 503.
func (l *Limiter) Middleware(rules *Rules, name string, keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ClientIP(false)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule := rules.Resolve(name)

			identity, ok := keyFn(r)
			if !ok {
				identity = "anonymous"
			}

			d, err := l.Consume(r.Context(), identity, rule)
			if err != nil {
				if r.Context().Err() != nil {
					// client went away
					return
				}
				if errors.Is(err, ErrLimiterUnavailable) {
					writeUnavailable(w)
					return
				}
				l.logger.Error("rate limit rule rejected", "rule", rule.Name, "error", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}

			if !d.Allowed {
				writeRejection(w, rule, d)
				return
			}

			applyHeaders(w, d)
			next.ServeHTTP(w, r)
		})
	}
}
