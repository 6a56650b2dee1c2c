package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"flashpool/services/flashloand/journal"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testAuthConfig() AuthConfig {
	return AuthConfig{HMACSecret: testSecret, Issuer: "flashpool", Audience: "flashloand"}
}

func echoPrincipal() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			http.Error(w, "no principal", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(principal.Subject + "|" + strings.Join(principal.Scopes, ",")))
	})
}

func TestAuthenticatorAcceptsIssuedToken(t *testing.T) {
	cfg := testAuthConfig()
	token, err := IssueToken(cfg, "flp1subject", []string{"admin", "bot"}, time.Minute)
	require.NoError(t, err)

	handler := NewAuthenticator(cfg, nil).Middleware("bot")(echoPrincipal())
	req := httptest.NewRequest(http.MethodPost, "/v1/manifests", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "flp1subject|admin,bot", rec.Body.String())
}

func TestAuthenticatorRejections(t *testing.T) {
	cfg := testAuthConfig()
	auth := NewAuthenticator(cfg, nil)

	type rejection struct {
		header string
		scopes []string
		status int
	}
	cases := map[string]rejection{
		"missing header": {header: "", status: http.StatusUnauthorized},
		"garbage token":  {header: "Bearer nope", status: http.StatusUnauthorized},
	}

	wrongIssuer := cfg
	wrongIssuer.Issuer = "someone-else"
	token, err := IssueToken(wrongIssuer, "flp1subject", nil, time.Minute)
	require.NoError(t, err)
	cases["issuer mismatch"] = rejection{header: "Bearer " + token, status: http.StatusUnauthorized}

	lender, err := IssueToken(cfg, "flp1subject", nil, time.Minute)
	require.NoError(t, err)
	cases["missing scope"] = rejection{header: "Bearer " + lender, scopes: []string{"admin"}, status: http.StatusForbidden}

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "flp1subject",
		"iss": cfg.Issuer,
		"aud": cfg.Audience,
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	forged, err := other.SignedString([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	cases["wrong secret"] = rejection{header: "Bearer " + forged, status: http.StatusUnauthorized}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			auth.Middleware(tc.scopes...)(echoPrincipal()).ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"manifests": {RequestsPerMinute: 1, Burst: 2}}, nil)
	handler := limiter.Middleware("manifests")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/manifests", nil)
		req.RemoteAddr = ip + ":4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	require.Equal(t, http.StatusNoContent, send("10.0.0.1"))
	require.Equal(t, http.StatusNoContent, send("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, send("10.0.0.1"))
	require.Equal(t, http.StatusNoContent, send("10.0.0.2"))
}

func TestRateLimiterPassesUnconfiguredRoutes(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("pool")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pool", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	db, err := journal.Open(journal.DriverSQLite, "")
	require.NoError(t, err)

	var calls int32
	handler := WithIdempotency(db)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+n)) + `}`))
	}))

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("Idempotency-Key", "abc-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send("/v1/manifests")
	require.Equal(t, http.StatusCreated, first.Code)
	second := send("/v1/manifests")
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, first.Body.String(), second.Body.String())
	require.Equal(t, "true", second.Header().Get("Idempotent-Replay"))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))

	conflict := send("/v1/other")
	require.Equal(t, http.StatusConflict, conflict.Code)
}

func TestObservabilityRecordsStatus(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{ServiceName: "flashloand-test"}, nil)
	handler := obs.Middleware("pool")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/pool", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}
