package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskguard-service/internal/domain/detection"
	"maskguard-service/internal/service"
	"maskguard-service/internal/supervisor"
)

const secret = "test-secret"

type fakeCompliance struct {
	lastSource  *string
	lastLimit   int
	lastOffset  int
	lastViolate bool
	err         error
}

func (f *fakeCompliance) Compliance(ctx context.Context, source, from, to *string) (*service.ComplianceReport, error) {
	f.lastSource = source
	if f.err != nil {
		return nil, f.err
	}
	return &service.ComplianceReport{Faces: 10, Violations: 1, ComplianceRate: 90}, nil
}

func (f *fakeCompliance) FindEvents(ctx context.Context, source, from, to *string, violationsOnly bool, limit, offset int) ([]service.EventInfo, error) {
	f.lastSource, f.lastLimit, f.lastOffset, f.lastViolate = source, limit, offset, violationsOnly
	return []service.EventInfo{{ID: 1, SourceID: "gate"}}, f.err
}

func (f *fakeCompliance) FindAlerts(ctx context.Context, source, from, to *string, limit, offset int) ([]service.AlertInfo, error) {
	return []service.AlertInfo{}, f.err
}

type fakePipeline struct {
	enabled   []string
	disabled  []string
	restarted []string
	enableErr error
	opErr     error
}

func (f *fakePipeline) Status() supervisor.Status {
	return supervisor.Status{Sources: []supervisor.SourceStatus{{
		SourceState: detection.SourceState{SourceID: "gate", Status: detection.StatusStreaming},
		Restarts:    1,
	}}}
}

func (f *fakePipeline) Enable(id string) error {
	if f.enableErr != nil {
		return f.enableErr
	}
	f.enabled = append(f.enabled, id)
	return nil
}

func (f *fakePipeline) Disable(id string) error {
	if f.opErr != nil {
		return f.opErr
	}
	f.disabled = append(f.disabled, id)
	return nil
}

func (f *fakePipeline) Restart(ctx context.Context, id string) error {
	if f.opErr != nil {
		return f.opErr
	}
	f.restarted = append(f.restarted, id)
	return nil
}

func newTestRouter(svc *fakeCompliance, p *fakePipeline) http.Handler {
	h := NewHandler(svc, p, zerolog.Nop())
	return NewRouter(RouterConfig{JWTSecret: secret}, h, zerolog.Nop())
}

func do(t *testing.T, h http.Handler, method, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func signToken(t *testing.T, key string, expires time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	s, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func TestListSources(t *testing.T) {
	rec, body := do(t, newTestRouter(&fakeCompliance{}, &fakePipeline{}), http.MethodGet, "/api/v1/sources", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].([]any)
	require.Len(t, data, 1)
	src := data[0].(map[string]any)
	assert.Equal(t, "gate", src["source_id"])
	assert.Equal(t, "streaming", src["status"])
	assert.Equal(t, float64(1), src["restarts"])
}

func TestListDetectionsPassesQuery(t *testing.T) {
	svc := &fakeCompliance{}
	rec, _ := do(t, newTestRouter(svc, &fakePipeline{}), http.MethodGet,
		"/api/v1/detections?source=gate&violations_only=true&limit=10&offset=20", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, svc.lastSource)
	assert.Equal(t, "gate", *svc.lastSource)
	assert.Equal(t, 10, svc.lastLimit)
	assert.Equal(t, 20, svc.lastOffset)
	assert.True(t, svc.lastViolate)
}

func TestComplianceErrors(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: invalid from time format", service.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("query failed: %w", context.DeadlineExceeded), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec, body := do(t, newTestRouter(&fakeCompliance{err: tc.err}, &fakePipeline{}), http.MethodGet, "/api/v1/compliance", "")
		assert.Equal(t, tc.code, rec.Code)
		assert.NotEmpty(t, body["error"])
	}

	rec, body := do(t, newTestRouter(&fakeCompliance{}, &fakePipeline{}), http.MethodGet, "/api/v1/compliance?source=gate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(90), body["data"].(map[string]any)["compliance_rate"])
}

func TestEnableSourceRequiresToken(t *testing.T) {
	p := &fakePipeline{}
	router := newTestRouter(&fakeCompliance{}, p)

	rec, _ := do(t, router, http.MethodPost, "/api/v1/sources/gate/enable", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, router, http.MethodPost, "/api/v1/sources/gate/enable", signToken(t, "other", time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := do(t, router, http.MethodPost, "/api/v1/sources/gate/enable", signToken(t, secret, time.Now().Add(-time.Minute)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token expired", body["error"])

	rec, _ = do(t, router, http.MethodPost, "/api/v1/sources/gate/enable", signToken(t, secret, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"gate"}, p.enabled)
}

func TestEnableSourceErrors(t *testing.T) {
	token := signToken(t, secret, time.Now().Add(time.Hour))
	cases := map[error]int{
		supervisor.ErrUnknownSource: http.StatusNotFound,
		supervisor.ErrSourceActive:  http.StatusConflict,
		supervisor.ErrNotRunning:    http.StatusServiceUnavailable,
	}
	for err, code := range cases {
		p := &fakePipeline{enableErr: fmt.Errorf("%w: gate", err)}
		rec, _ := do(t, newTestRouter(&fakeCompliance{}, p), http.MethodPost, "/api/v1/sources/gate/enable", token)
		assert.Equal(t, code, rec.Code, err.Error())
	}
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	h := NewHandler(&fakeCompliance{}, &fakePipeline{}, zerolog.Nop())
	router := NewRouter(RouterConfig{}, h, zerolog.Nop())
	rec, _ := do(t, router, http.MethodPost, "/api/v1/sources/gate/enable", signToken(t, secret, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthz(t *testing.T) {
	rec, body := do(t, newTestRouter(&fakeCompliance{}, &fakePipeline{}), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestDisableAndRestartSource(t *testing.T) {
	p := &fakePipeline{}
	router := newTestRouter(&fakeCompliance{}, p)
	token := signToken(t, secret, time.Now().Add(time.Hour))

	rec, _ := do(t, router, http.MethodPost, "/api/v1/sources/gate/disable", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, body := do(t, router, http.MethodPost, "/api/v1/sources/gate/disable", token)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "gate", body["source_id"])

	rec, _ = do(t, router, http.MethodPost, "/api/v1/sources/lobby/restart", token)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, []string{"gate"}, p.disabled)
	assert.Equal(t, []string{"lobby"}, p.restarted)
}

func TestDisableSourceErrors(t *testing.T) {
	token := signToken(t, secret, time.Now().Add(time.Hour))
	cases := map[error]int{
		supervisor.ErrUnknownSource: http.StatusNotFound,
		supervisor.ErrSourceStopped: http.StatusConflict,
		supervisor.ErrNotRunning:    http.StatusServiceUnavailable,
	}
	for err, code := range cases {
		p := &fakePipeline{opErr: fmt.Errorf("%w: gate", err)}
		rec, _ := do(t, newTestRouter(&fakeCompliance{}, p), http.MethodPost, "/api/v1/sources/gate/disable", token)
		assert.Equal(t, code, rec.Code, err.Error())
	}
}
