// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getouch/smsgw/internal/auth"
	"github.com/getouch/smsgw/internal/log"
	"github.com/getouch/smsgw/internal/metrics"
	"github.com/getouch/smsgw/internal/store"
)

type ctxKey int

const (
	principalKey ctxKey = iota
	deviceKey
)

// Principal is the resolved tenant identity attached to authenticated
// requests.
type Principal struct {
	Key    *store.APIKey
	Tenant *store.Tenant
}

// principalFrom returns the request principal; nil when unauthenticated.
func principalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// deviceFrom returns the authenticated device; nil for internal-secret calls.
func deviceFrom(ctx context.Context) *store.Device {
	d, _ := ctx.Value(deviceKey).(*store.Device)
	return d
}

// tenantAuth resolves the bearer API key, enforces the key's rate budget and
// attaches the principal.
func (s *Server) tenantAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			writeErr(w, http.StatusUnauthorized, codeAuthMissing, "missing bearer token")
			return
		}
		if !auth.LooksLikeAPIKey(raw) {
			writeUnauthorized(w, "malformed api key")
			return
		}

		key, tenant, err := s.store.GetAPIKeyByHash(r.Context(), auth.HashSecret(raw))
		if err != nil {
			writeUnauthorized(w, "unknown api key")
			return
		}
		if !key.IsActive || key.RevokedAt != nil {
			writeUnauthorized(w, "api key revoked")
			return
		}
		if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
			writeUnauthorized(w, "api key expired")
			return
		}
		if tenant.Status != store.TenantActive {
			writeUnauthorized(w, "tenant suspended")
			return
		}

		decision, err := s.limiter.Allow(r.Context(), "key:"+key.ID.String(), key.RateLimitRPM)
		if err != nil {
			logger := log.WithComponentFromContext(r.Context(), "api")
			logger.Error().Err(err).
				Str("event", "api.ratelimit_error").
				Msg("rate limiter unavailable, allowing request")
		} else if !decision.Allowed {
			metrics.RateLimited.WithLabelValues("api_key").Inc()
			retryAfter := int(decision.RetryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       map[string]string{"code": codeRateLimited, "message": "rate limit exceeded"},
				"retry_after": retryAfter,
			})
			return
		}

		// Best-effort usage bookkeeping; never blocks the caller.
		keyID := key.ID
		s.bg.enqueue("touch_key", func(ctx context.Context) error {
			return s.store.TouchAPIKey(ctx, keyID)
		})

		ctx := context.WithValue(r.Context(), principalKey, &Principal{Key: key, Tenant: tenant})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope gates an endpoint on one API key scope.
func requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())
			if p == nil || !p.Key.HasScope(scope) {
				writeForbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// maxDeviceBody bounds signed device request bodies.
const maxDeviceBody = 64 << 10

// deviceAuth verifies the HMAC request signature and attaches the device.
// Endpoints flagged allowInternal also accept the legacy shared-secret header
// used by server-side adapter callbacks; those requests carry no device.
func (s *Server) deviceAuth(allowInternal bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if allowInternal && s.cfg.InternalSecret != "" {
				if secret := r.Header.Get("X-Sms-Internal-Secret"); secret != "" {
					if !auth.SecureCompare(secret, s.cfg.InternalSecret) {
						writeUnauthorized(w, "invalid internal secret")
						return
					}
					next.ServeHTTP(w, r)
					return
				}
			}

			deviceID := r.Header.Get("X-Device-Id")
			token := r.Header.Get("X-Device-Token")
			timestamp := r.Header.Get("X-Timestamp")
			nonce := r.Header.Get("X-Nonce")
			signature := r.Header.Get("X-Device-Signature")
			if deviceID == "" || token == "" || timestamp == "" || signature == "" {
				writeErr(w, http.StatusUnauthorized, codeAuthMissing, "missing device auth headers")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxDeviceBody))
			if err != nil {
				writeValidation(w, "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			dev, err := s.store.GetDeviceByToken(r.Context(), token)
			if err != nil || dev.ID.String() != deviceID {
				writeUnauthorized(w, "unknown device")
				return
			}
			if !dev.IsEnabled {
				writeUnauthorized(w, "device disabled")
				return
			}
			if err := auth.VerifyDeviceRequest(dev.DeviceToken, deviceID, timestamp, nonce, signature, body, time.Now()); err != nil {
				logger := log.WithComponentFromContext(r.Context(), "api")
				logger.Warn().
					Str("event", "api.device_auth_failed").
					Str(log.FieldDeviceID, deviceID).
					Err(err).
					Msg("device signature rejected")
				writeUnauthorized(w, "invalid signature")
				return
			}

			ctx := context.WithValue(r.Context(), deviceKey, dev)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

const actorCtxKey ctxKey = 100

// actorFrom returns the authenticated admin actor label, empty outside the
// admin surface.
func actorFrom(ctx context.Context) string {
	a, _ := ctx.Value(actorCtxKey).(string)
	return a
}

// adminAuth accepts any of the operator-configured admin credentials: the
// static bearer token, a Cf-Access identity header set by the fronting proxy,
// or a pre-established session cookie. The gateway never parses the proxy
// identity beyond recording it as the audit actor.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := ""

		switch {
		case s.cfg.AdminToken != "":
			if raw, ok := bearerToken(r); ok && auth.SecureCompare(raw, s.cfg.AdminToken) {
				actor = "admin:token"
			}
		}
		if actor == "" && s.cfg.AdminAllowCfAccess {
			if email := r.Header.Get("Cf-Access-Authenticated-User-Email"); email != "" {
				actor = "admin:" + email
			}
		}
		if actor == "" && s.cfg.AdminSessionCookie != "" {
			if c, err := r.Cookie(s.cfg.AdminSessionCookie); err == nil && c.Value != "" {
				actor = "admin:session"
			}
		}
		if actor == "" {
			writeErr(w, http.StatusUnauthorized, codeAuthMissing, "admin credentials required")
			return
		}

		ctx := context.WithValue(r.Context(), actorCtxKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the Authorization bearer value.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}
