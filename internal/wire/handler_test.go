package wire

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/francoriba/shelter-server-HPC/internal/store"
	"github.com/francoriba/shelter-server-HPC/internal/supplies"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "database"))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	model := supplies.New(s)
	require.NoError(t, model.Bootstrap())

	return NewHandler(s, model, store.NewIdGen())
}

func TestUpdateWritesLastEvent(t *testing.T) {
	h := newTestHandler(t)

	_, err := h.Update(supplies.Delta{Food: map[string]json.Number{"meat": "3"}}, "Update request from TCP client 127.0.0.1:1234")
	require.NoError(t, err)

	raw, ok, err := h.Store.Get("lastEvent")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Update request from TCP client 127.0.0.1:1234", raw)
}

func TestUpdateWithoutEventDescriptionLeavesLastEventUntouched(t *testing.T) {
	h := newTestHandler(t)

	_, err := h.Update(supplies.Delta{Food: map[string]json.Number{"meat": "1"}}, "")
	require.NoError(t, err)

	_, ok, err := h.Store.Get("lastEvent")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRecordEmergencyNoticeWritesLastEvent(t *testing.T) {
	h := newTestHandler(t)

	_, err := h.RecordEmergencyNotice("Electricity failure. Disconnecting all clients.")
	require.NoError(t, err)

	raw, ok, err := h.Store.Get("lastEvent")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Electricity failure. Disconnecting all clients.", raw)
}

func TestRecordBootWritesLastEvent(t *testing.T) {
	h := newTestHandler(t)

	require.NoError(t, h.RecordBoot())

	raw, ok, err := h.Store.Get("lastEvent")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Server just started", raw)
}

func TestSummaryReportsLastEvent(t *testing.T) {
	h := newTestHandler(t)
	require.NoError(t, h.RecordBoot())

	resp, err := h.Summary()
	require.NoError(t, err)

	b, err := json.Marshal(resp)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))

	lastKeepalived := decoded["last_keepalived"].(map[string]any)
	require.Equal(t, "Server just started", lastKeepalived["lastEvent"])
}
