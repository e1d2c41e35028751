package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cutekitek/rankode-exec/internal/pool"
	"github.com/cutekitek/rankode-exec/internal/repository/dto"
	"github.com/cutekitek/rankode-exec/internal/repository/models"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRunner struct {
	result *dto.RunResult
	err    error
	calls  atomic.Int32
	last   *dto.RunRequest
}

func (f *fakeRunner) Run(_ context.Context, req *dto.RunRequest) (*dto.RunResult, error) {
	f.calls.Add(1)
	f.last = req
	return f.result, f.err
}

var testConfig = Config{
	MaxRequestBytes: 1 << 10,
	CORSOrigins:     []string{"http://localhost:3000", "*.vercel.app"},
}

func post(t *testing.T, router http.Handler, body string) (*httptest.ResponseRecorder, map[string]string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var got map[string]string
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got), w.Body.String())
	}
	return w, got
}

func TestRunSuccess(t *testing.T) {
	r := &fakeRunner{result: &dto.RunResult{Kind: models.OutcomeSuccess, Output: "hello"}}
	w, got := post(t, newRouter(r, testConfig, nil), `{"language":"python","code":"print(input())","input":"hello"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]string{"output": "hello", "kind": "success"}, got)
	assert.Equal(t, &dto.RunRequest{Language: models.LanguagePython, Code: "print(input())", Stdin: "hello"}, r.last)
}

func TestRunEmptyInputAccepted(t *testing.T) {
	r := &fakeRunner{result: &dto.RunResult{Kind: models.OutcomeSuccess}}
	w, _ := post(t, newRouter(r, testConfig, nil), `{"language":"c","code":"int main(){}","input":""}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "", r.last.Stdin)
}

func TestRunValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
		msg  string
	}{
		{"missing input", `{"language":"c","code":"x"}`, http.StatusBadRequest, msgMissingFields},
		{"missing code", `{"language":"c","input":""}`, http.StatusBadRequest, msgMissingFields},
		{"empty code", `{"language":"c","code":"","input":""}`, http.StatusBadRequest, msgMissingFields},
		{"missing language", `{"code":"x","input":""}`, http.StatusBadRequest, msgMissingFields},
		{"empty object", `{}`, http.StatusBadRequest, msgMissingFields},
		{"unsupported language", `{"language":"rust","code":"x","input":""}`, http.StatusBadRequest, msgUnsupported},
		{"wrong type", `{"language":1,"code":"x","input":""}`, http.StatusBadRequest, msgInvalidBody},
		{"not json", `language=c`, http.StatusBadRequest, msgInvalidBody},
		{"too large", `{"language":"c","code":"` + strings.Repeat("x", 2048) + `","input":""}`, http.StatusRequestEntityTooLarge, msgBodyTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{}
			w, got := post(t, newRouter(r, testConfig, nil), tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.msg, got["error"])
			assert.Zero(t, r.calls.Load(), "invalid requests never reach the engine")
		})
	}
}

func TestRunFailureOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		result *dto.RunResult
		err    error
		code   int
		body   map[string]string
	}{
		{
			name:   "build error",
			result: &dto.RunResult{Kind: models.OutcomeBuildError, Error: "main.c:1: error"},
			code:   http.StatusInternalServerError,
			body:   map[string]string{"error": "main.c:1: error", "kind": "build_error"},
		},
		{
			name:   "timeout",
			result: &dto.RunResult{Kind: models.OutcomeTimeout, Error: "program exceeded the time limit"},
			code:   http.StatusInternalServerError,
			body:   map[string]string{"error": "program exceeded the time limit", "kind": "timeout"},
		},
		{
			name: "infrastructure",
			err:  errors.New("disk full"),
			code: http.StatusInternalServerError,
			body: map[string]string{"error": "internal error while executing the program", "kind": "internal_error"},
		},
		{
			name: "engine rejects language",
			err:  errors.Wrap(models.ErrUnsupportedLanguage, "x"),
			code: http.StatusBadRequest,
			body: map[string]string{"error": msgUnsupported},
		},
		{
			name: "queue full",
			err:  pool.ErrQueueFull,
			code: http.StatusServiceUnavailable,
			body: map[string]string{"error": msgQueueFull},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{result: tt.result, err: tt.err}
			w, got := post(t, newRouter(r, testConfig, nil), `{"language":"c","code":"x","input":""}`)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.body, got)
			if tt.code == http.StatusServiceUnavailable {
				assert.Equal(t, "1", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestHealth(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(&fakeRunner{}, testConfig, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	w := httptest.NewRecorder()
	newRouter(&fakeRunner{}, testConfig, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rankode_rate_limit_hits_total")
}

func TestRateLimit(t *testing.T) {
	r := &fakeRunner{result: &dto.RunResult{Kind: models.OutcomeSuccess}}
	router := newRouter(r, testConfig, newIPLimiter(0.001, 2))

	body := `{"language":"c","code":"x","input":""}`
	for i := 0; i < 2; i++ {
		w, _ := post(t, router, body)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w, got := post(t, router, body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, msgTooManyRequests, got["error"])
	assert.Equal(t, int32(2), r.calls.Load())
}

func TestLimiterEvictsIdleClients(t *testing.T) {
	l := newIPLimiter(1, 1)
	l.allow("10.0.0.1")
	l.allow("10.0.0.2")
	l.evictIdle(time.Now().Add(time.Hour), time.Minute)
	assert.Zero(t, l.clients.Size())
}

func TestCORS(t *testing.T) {
	router := newRouter(&fakeRunner{}, testConfig, nil)
	tests := []struct {
		origin  string
		allowed bool
	}{
		{"http://localhost:3000", true},
		{"https://my-app.vercel.app", true},
		{"https://evil.example.com", false},
		{"https://vercel.app.evil.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/run", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", "POST")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if tt.allowed {
				assert.Equal(t, tt.origin, w.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}
