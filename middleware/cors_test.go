package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCORSDefaultAllowsWildcard(t *testing.T) {
	handler := CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflightReturnsNoContent(t *testing.T) {
	handler := CORS(DurableStreamsCORS())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the next handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/s", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusNoContent, w.Code)
	require.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
	require.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Producer-Epoch")
	require.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Stream-Next-Offset")
}

func TestCORSSpecificOriginEchoedBack(t *testing.T) {
	cfg := &CORSConfig{AllowOrigins: []string{"https://allowed.example"}}
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://allowed.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, "https://allowed.example", w.Header().Get("Access-Control-Allow-Origin"))

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Header.Set("Origin", "https://evil.example")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	require.Empty(t, w2.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcardWithCredentialsEchoesOrigin(t *testing.T) {
	cfg := &CORSConfig{AllowOrigins: []string{"*"}, AllowCredentials: true}
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, "https://example.com", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSMaxAgeSetOnPreflight(t *testing.T) {
	cfg := &CORSConfig{AllowOrigins: []string{"*"}, MaxAge: 3600}
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, "3600", w.Header().Get("Access-Control-Max-Age"))
}

func TestContainsHelper(t *testing.T) {
	require.True(t, contains([]string{"a", "*", "b"}, "*"))
	require.False(t, contains([]string{"a", "b"}, "*"))
}
