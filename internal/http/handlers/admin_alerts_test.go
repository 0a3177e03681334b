package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AdrianFeng10086/RuralCareAI/internal/alerts"
	"github.com/AdrianFeng10086/RuralCareAI/internal/crisis"
	"github.com/AdrianFeng10086/RuralCareAI/internal/store"
	"github.com/AdrianFeng10086/RuralCareAI/pkg/logging"
)

func seededAlertStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, a := range []crisis.Alert{
		{ID: "a1", SessionID: "s1", ChildID: "child-1", Category: crisis.CategorySelfHarm, Severity: crisis.SeverityCritical, Summary: "self-harm indicator", Excerpt: "我不想活了"},
		{ID: "a2", SessionID: "s2", ChildID: "child-2", Category: crisis.CategoryNeglect, Severity: crisis.SeverityMedium, Summary: "neglect indicator", Excerpt: "没人给我做饭"},
		{ID: "a3", SessionID: "s1", ChildID: "child-1", Category: crisis.CategoryAbuse, Severity: crisis.SeverityHigh, Summary: "abuse indicator", Excerpt: "他打我"},
	} {
		a.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, st.AppendAlert(context.Background(), a))
	}
	_, err := st.MarkAlertResolved(context.Background(), "a2", "called guardian")
	require.NoError(t, err)
	return st
}

func newAlertsRouter(h *AdminAlertsHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/admin/alerts", h.List)
	r.Get("/admin/alerts/pending-count", h.PendingCount)
	r.Post("/admin/alerts/{alertID}/resolve", h.Resolve)
	r.Get("/admin/alerts/stream", h.Stream)
	r.Get("/admin/alerts/ws", h.WebSocket)
	return r
}

func decodeAlertList(t *testing.T, rec *httptest.ResponseRecorder) []crisis.Alert {
	t.Helper()
	var body struct {
		Alerts []crisis.Alert `json:"alerts"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, len(body.Alerts), body.Count)
	return body.Alerts
}

func alertIDs(list []crisis.Alert) []string {
	ids := make([]string, 0, len(list))
	for _, a := range list {
		ids = append(ids, a.ID)
	}
	return ids
}

func TestAdminAlertsList(t *testing.T) {
	h := NewAdminAlertsHandler(seededAlertStore(t), nil, nil, logging.Discard())
	router := newAlertsRouter(h)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all newest first", "", []string{"a3", "a2", "a1"}},
		{"unresolved", "?status=unresolved", []string{"a3", "a1"}},
		{"resolved", "?status=resolved", []string{"a2"}},
		{"search excerpt", "?q=%E6%89%93", []string{"a3"}},
		{"by child", "?child_id=child-2", []string{"a2"}},
		{"limit", "?limit=1", []string{"a3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/alerts"+tt.query, nil))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.want, alertIDs(decodeAlertList(t, rec)))
		})
	}
}

func TestAdminAlertsList_BadParams(t *testing.T) {
	router := newAlertsRouter(NewAdminAlertsHandler(store.NewMemoryStore(), nil, nil, logging.Discard()))
	for _, q := range []string{"?status=maybe", "?limit=-1", "?limit=ten"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/alerts"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

type failingAlertStore struct{ store.AlertStore }

func (failingAlertStore) ListAlerts(context.Context, store.AlertFilter) ([]crisis.Alert, error) {
	return nil, errors.New("db down")
}

func (failingAlertStore) CountUnresolved(context.Context) (int, error) {
	return 0, errors.New("db down")
}

func TestAdminAlerts_StoreFailures(t *testing.T) {
	router := newAlertsRouter(NewAdminAlertsHandler(failingAlertStore{}, nil, nil, logging.Discard()))
	for _, path := range []string{"/admin/alerts", "/admin/alerts/pending-count"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
	}
}

func TestAdminAlertsPendingCountAndResolve(t *testing.T) {
	st := seededAlertStore(t)
	router := newAlertsRouter(NewAdminAlertsHandler(st, nil, nil, logging.Discard()))

	count := func() int {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/alerts/pending-count", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]int
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body["pending"]
	}
	assert.Equal(t, 2, count())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/alerts/a1/resolve", strings.NewReader(`{"notes":"teacher visited home"}`))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resolved crisis.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.True(t, resolved.Resolved)
	assert.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, "teacher visited home", resolved.Notes)
	assert.Equal(t, 1, count())

	// Resolving again without a body is idempotent and keeps the notes.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/alerts/a1/resolve", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, "teacher visited home", resolved.Notes)
	assert.Equal(t, 1, count())
}

func TestAdminAlertsResolve_Errors(t *testing.T) {
	router := newAlertsRouter(NewAdminAlertsHandler(seededAlertStore(t), nil, nil, logging.Discard()))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/alerts/missing/resolve", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/alerts/a1/resolve", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAlertsStream_DisabledWithoutBroadcaster(t *testing.T) {
	router := newAlertsRouter(NewAdminAlertsHandler(store.NewMemoryStore(), nil, nil, logging.Discard()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/alerts/stream", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminAlertsStream_SSE(t *testing.T) {
	bus := alerts.NewBus(logging.Discard())
	defer bus.Close()
	b := alerts.NewBroadcaster(bus, time.Minute, logging.Discard())
	srv := httptest.NewServer(newAlertsRouter(NewAdminAlertsHandler(store.NewMemoryStore(), b, nil, logging.Discard())))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/admin/alerts/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	lines := make(chan string, 32)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	waitLine := func(want string) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream closed before %q", want)
				if line == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	waitLine("event: ready")
	bus.Publish(crisis.Alert{ID: "live-1", SessionID: "s9", Category: crisis.CategoryAbuse, Severity: crisis.SeverityHigh})
	waitLine("event: alert")
}

func TestAdminAlertsWebSocket(t *testing.T) {
	bus := alerts.NewBus(logging.Discard())
	defer bus.Close()
	b := alerts.NewBroadcaster(bus, time.Minute, logging.Discard())
	srv := httptest.NewServer(newAlertsRouter(NewAdminAlertsHandler(store.NewMemoryStore(), b, []string{"https://console.example.org"}, logging.Discard())))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/admin/alerts/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://console.example.org"}})
	require.NoError(t, err)

	type msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	read := func() msg {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var m msg
		require.NoError(t, conn.ReadJSON(&m))
		return m
	}

	assert.Equal(t, "ready", read().Type)
	bus.Publish(crisis.Alert{ID: "live-2", SessionID: "s9", Category: crisis.CategorySelfHarm, Severity: crisis.SeverityCritical})
	m := read()
	require.Equal(t, "alert", m.Type)
	var got crisis.Alert
	require.NoError(t, json.Unmarshal(m.Data, &got))
	assert.Equal(t, "live-2", got.ID)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
