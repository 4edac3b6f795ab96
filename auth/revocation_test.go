package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huykn/taskcore/cache"
	"github.com/huykn/taskcore/resilience"
	"github.com/huykn/taskcore/storage"
)

type testEnv struct {
	revoker *Revoker
	mr      *miniredis.Miniredis
}

func newTestRevoker(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	breaker, err := resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig())
	require.NoError(t, err)
	policy, err := resilience.NewPolicy(resilience.PolicyConfig{MaxAttempts: 2, BaseDelay: time.Millisecond}, breaker, nil)
	require.NoError(t, err)

	dc, err := cache.New(storage.NewRedisStore(client), nil, policy, cache.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = dc.Close() })

	return &testEnv{revoker: NewRevoker(dc, nil), mr: mr}
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestRevokeStoresUntilExpiry(t *testing.T) {
	env := newTestRevoker(t)
	ctx := context.Background()
	token := signedToken(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})

	revoked, err := env.revoker.IsRevoked(ctx, token)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, env.revoker.Revoke(ctx, token))

	revoked, err = env.revoker.IsRevoked(ctx, token)
	require.NoError(t, err)
	assert.True(t, revoked)

	ttl := env.mr.TTL(cache.BlacklistKeyPrefix + token)
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5)
}

func TestRevokeExpiredTokenIsNoOp(t *testing.T) {
	env := newTestRevoker(t)
	token := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(-time.Minute).Unix()})

	require.NoError(t, env.revoker.Revoke(context.Background(), token))
	assert.Empty(t, env.mr.Keys())
}

func TestRevokeRejectsBadTokens(t *testing.T) {
	env := newTestRevoker(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.revoker.Revoke(ctx, "not-a-jwt"), ErrMalformedToken)
	assert.ErrorIs(t, env.revoker.Revoke(ctx, signedToken(t, jwt.MapClaims{"sub": "u1"})), ErrTokenWithoutExpiry)
}

func TestMiddleware(t *testing.T) {
	env := newTestRevoker(t)
	revokedToken := signedToken(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})
	liveToken := signedToken(t, jwt.MapClaims{"sub": "u2", "exp": time.Now().Add(time.Hour).Unix()})
	require.NoError(t, env.revoker.Revoke(context.Background(), revokedToken))

	h := env.revoker.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusNoContent},
		{"live token", "Bearer " + liveToken, http.StatusNoContent},
		{"revoked token", "Bearer " + revokedToken, http.StatusUnauthorized},
		{"lowercase scheme", "bearer " + revokedToken, http.StatusUnauthorized},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMiddlewareDegraded(t *testing.T) {
	env := newTestRevoker(t)
	env.mr.Close()

	h := env.revoker.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusServiceUnavailable, body.Status)
}
