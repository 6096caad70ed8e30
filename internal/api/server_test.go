package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campaignpulse/crisis-pipeline/internal/detector"
	"github.com/campaignpulse/crisis-pipeline/internal/gateway"
	"github.com/campaignpulse/crisis-pipeline/internal/lifecycle"
	"github.com/campaignpulse/crisis-pipeline/internal/model"
	"github.com/campaignpulse/crisis-pipeline/internal/monitor"
	"github.com/campaignpulse/crisis-pipeline/internal/normalizer"
	"github.com/campaignpulse/crisis-pipeline/internal/pipeline"
	"github.com/campaignpulse/crisis-pipeline/internal/storage"
)

type testEnv struct {
	server  *Server
	manager *lifecycle.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	ctx := context.Background()

	db, err := storage.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	events, err := storage.NewEventStore(logger, db)
	require.NoError(t, err)
	alerts, err := storage.NewAlertStore(logger, db)
	require.NoError(t, err)
	health, err := storage.NewHealthStore(logger, db)
	require.NoError(t, err)

	manager, err := lifecycle.NewManager(ctx, logger, alerts, nil)
	require.NoError(t, err)

	gw := gateway.New(logger, gateway.DefaultConfig())
	norm := normalizer.New(logger, normalizer.NewDedupCache(0, 0))
	engine := detector.New(logger, detector.DefaultConfig(), manager)
	pipe := pipeline.New(logger, gw, norm, events, engine, nil)

	mon := monitor.New(logger, time.Minute, []string{"socialStream"}, gw, pipe, events, health, nil)

	server := NewServer(logger, DefaultConfig(), pipe, manager, alerts, mon)
	return &testEnv{server: server, manager: manager}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) raiseAlert(t *testing.T, severity int) *model.CrisisAlert {
	t.Helper()
	alert := &model.CrisisAlert{
		Severity:    severity,
		ThreatType:  model.ThreatNegativeSurge,
		Title:       "Negative surge on water quality",
		Description: "test alert",
		Source:      "socialStream",
		Confidence:  0.8,
		AffectedTopics: []string{
			"water",
		},
	}
	require.NoError(t, e.manager.Raise(context.Background(), alert))
	return alert
}

func socialEventBody(id, text string, score float64) map[string]interface{} {
	return map[string]interface{}{
		"source": "socialStream",
		"payload": map[string]interface{}{
			"post_id":   id,
			"text":      text,
			"platform":  "twitter",
			"posted_at": "2026-03-10T14:00:00Z",
			"author": map[string]interface{}{
				"id":     "author-1",
				"handle": "observer",
			},
			"sentiment_score": score,
		},
	}
}

func TestAPI_IngestEvent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/events", socialEventBody("p-1", "the tap water smells odd", -0.6))
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Same payload again dedupes
	rec = env.do(t, http.MethodPost, "/api/v1/events", socialEventBody("p-1", "the tap water smells odd", -0.6))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "duplicate")
}

func TestAPI_IngestRejectsUnknownSource(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]interface{}{
		"source":  "carrierPigeon",
		"payload": map[string]interface{}{"text": "hello"},
	}
	rec := env.do(t, http.MethodPost, "/api/v1/events", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unknown_source")
}

func TestAPI_IngestRejectsMalformedPayload(t *testing.T) {
	env := newTestEnv(t)

	body := map[string]interface{}{
		"source":  "socialStream",
		"payload": map[string]interface{}{"post_id": "p-9"},
	}
	rec := env.do(t, http.MethodPost, "/api/v1/events", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "malformed_payload")
}

func TestAPI_ListAlertsFilters(t *testing.T) {
	env := newTestEnv(t)
	env.raiseAlert(t, 8)
	low := env.raiseAlert(t, 4)

	_, err := env.manager.Acknowledge(context.Background(), low.ID, "oncall")
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Alerts []*model.CrisisAlert `json:"alerts"`
		Count  int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, 2, listing.Count)
	// Ordered by severity, highest first
	require.Equal(t, 8, listing.Alerts[0].Severity)

	rec = env.do(t, http.MethodGet, "/api/v1/alerts?severity_min=6", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)

	rec = env.do(t, http.MethodGet, "/api/v1/alerts?status=acknowledged", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Equal(t, 1, listing.Count)
	require.Equal(t, low.ID, listing.Alerts[0].ID)

	rec = env.do(t, http.MethodGet, "/api/v1/alerts?severity_min=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_GetAlertWithAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	alert := env.raiseAlert(t, 7)

	_, err := env.manager.Acknowledge(context.Background(), alert.ID, "oncall")
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/alerts/"+alert.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail AlertDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Equal(t, alert.ID, detail.Alert.ID)
	require.Equal(t, model.AlertStatusAcknowledged, detail.Alert.Status)
	require.Len(t, detail.AuditTrail, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/alerts/no-such-id", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_AlertActions(t *testing.T) {
	env := newTestEnv(t)
	alert := env.raiseAlert(t, 7)
	action := map[string]string{"actor": "oncall", "notes": "looking into it"}

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/alerts/%s/acknowledge", alert.ID), action)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/alerts/%s/investigate", alert.ID), action)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/alerts/%s/resolve", alert.ID), action)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Alert *model.CrisisAlert `json:"alert"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, model.AlertStatusResolved, resp.Alert.Status)
	require.NotNil(t, resp.Alert.ResolvedAt)
}

func TestAPI_ConflictNamesCurrentState(t *testing.T) {
	env := newTestEnv(t)
	alert := env.raiseAlert(t, 7)
	action := map[string]string{"actor": "oncall"}

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/alerts/%s/dismiss", alert.ID), action)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/alerts/%s/acknowledge", alert.ID), action)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "dismissed")
}

func TestAPI_ActionRequiresActor(t *testing.T) {
	env := newTestEnv(t)
	alert := env.raiseAlert(t, 5)

	rec := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/alerts/%s/acknowledge", alert.ID), map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_ActionOnUnknownAlert(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/alerts/ghost/resolve", map[string]string{"actor": "oncall"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Health(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report monitor.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, model.ServiceStatusHealthy, report.Overall)
	require.Len(t, report.Sources, 1)
}
