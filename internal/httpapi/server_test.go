package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/francoriba/shelter-server-HPC/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return New(s, ":0")
}

func TestHandleAlertsRejectsExtraParams(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/alerts?id=1&other=2", nil)
	rec := httptest.NewRecorder()
	srv.handleAlerts(rec, req)

	require.Equal(t, 400, rec.Code)
	require.Equal(t, "Only 'id' parameter is accepted", rec.Body.String())
}

func TestHandleAlertsReturnsAllWithNoId(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Store.Put("alert_1_[ts]", "NORTH ENTRY, ALERT, 39.0°C "))
	require.NoError(t, srv.Store.Put("alert_2_[ts]", "SOUTH ENTRY, ALERT, 39.0°C "))

	req := httptest.NewRequest("GET", "/alerts", nil)
	rec := httptest.NewRecorder()
	srv.handleAlerts(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "NORTH ENTRY")
	require.Contains(t, rec.Body.String(), "SOUTH ENTRY")
	require.Contains(t, rec.Body.String(), `"alert_1_[ts]"`)
}

func TestHandleAlertsNarrowsById(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Store.Put("alert_1_[ts]", "NORTH ENTRY"))
	require.NoError(t, srv.Store.Put("alert_2_[ts]", "SOUTH ENTRY"))

	req := httptest.NewRequest("GET", "/alerts?id=1", nil)
	rec := httptest.NewRecorder()
	srv.handleAlerts(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "NORTH ENTRY")
	require.NotContains(t, rec.Body.String(), "SOUTH ENTRY")
}

func TestHandleAlertsUnknownIdIs404(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Store.Put("alert_1_[ts]", "NORTH ENTRY"))

	req := httptest.NewRequest("GET", "/alerts?id=99", nil)
	rec := httptest.NewRecorder()
	srv.handleAlerts(rec, req)

	require.Equal(t, 404, rec.Code)
}

func TestHandleSuppliesLatest(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Store.Put("latestSupplies", `{"food":{"meat":1}}`))

	req := httptest.NewRequest("GET", "/supplies?id=latest", nil)
	rec := httptest.NewRecorder()
	srv.handleSupplies(rec, req)

	require.Equal(t, 200, rec.Code)
	require.JSONEq(t, `{"food":{"meat":1}}`, rec.Body.String())
}

func TestHandleSuppliesLatestNotFound(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/supplies?id=latest", nil)
	rec := httptest.NewRecorder()
	srv.handleSupplies(rec, req)

	require.Equal(t, 404, rec.Code)
}

func TestHandleSuppliesNoIdReturnsArray(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Store.Put("supplies_1_[ts]", `{"food":{"meat":1}}`))
	require.NoError(t, srv.Store.Put("supplies_2_[ts]", `{"food":{"meat":2}}`))

	req := httptest.NewRequest("GET", "/supplies", nil)
	rec := httptest.NewRecorder()
	srv.handleSupplies(rec, req)

	require.Equal(t, 200, rec.Code)
	require.JSONEq(t, `[{"food":{"meat":1}},{"food":{"meat":2}}]`, rec.Body.String())
}

// TestHandleSuppliesByIdNeverMatches pins the preserved double-underscore
// bug (see handleSupplies): the id-search needle is built as
// "supplies__<id>_", which no real key ever contains, so this path always
// 404s even when a matching single-underscore key exists.
func TestHandleSuppliesByIdNeverMatches(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Store.Put("supplies_42_[ts]", `{"food":{"meat":1}}`))

	req := httptest.NewRequest("GET", "/supplies?id=42", nil)
	rec := httptest.NewRecorder()
	srv.handleSupplies(rec, req)

	require.Equal(t, 404, rec.Code)
	require.Equal(t, "ID not found", rec.Body.String())
}

func TestHandleSuppliesRejectsExtraParams(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest("GET", "/supplies?id=1&other=2", nil)
	rec := httptest.NewRecorder()
	srv.handleSupplies(rec, req)

	require.Equal(t, 400, rec.Code)
}
