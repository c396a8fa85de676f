package wire

import (
	"encoding/json"
	"testing"

	"github.com/francoriba/shelter-server-HPC/internal/supplies"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"
)

func TestParseRequestRejectsMalformedJSON(t *testing.T) {
	_, err := ParseRequest([]byte(`{"message":`))
	require.ErrorIs(t, err, ErrProtocolParse)
}

func TestParseRequestRejectsMissingMessageField(t *testing.T) {
	_, err := ParseRequest([]byte(`{"hostname":"ubuntu"}`))
	require.ErrorIs(t, err, ErrProtocolParse)
}

func TestParseRequestAcceptsUpdateWithSubObjects(t *testing.T) {
	req, err := ParseRequest([]byte(`{"message":"update","food":{"meat":3,"water":-2}}`))
	require.NoError(t, err)
	require.Equal(t, "update", req.Message)
	require.Equal(t, json.Number("3"), req.Food["meat"])
	require.Equal(t, json.Number("-2"), req.Food["water"])
}

func TestSuppliesResponseShape(t *testing.T) {
	want := []byte(`{"message":"supplies_response","food":{"meat":0,"vegetables":0,"fruits":0,"water":0},"medicine":{"antibiotics":0,"analgesics":0,"bandages":0}}`)
	jsonEqual(t, want, mustMarshal(t, SuppliesResponse(supplies.Snapshot{})))
}

func jsonEqual(t *testing.T, want, got []byte) {
	t.Helper()
	diff, _ := jsondiff.Compare(want, got, &jsondiff.Options{})
	require.Equal(t, jsondiff.FullMatch, diff, "want=%s got=%s", want, got)
}

func TestAlertMessageShape(t *testing.T) {
	want := []byte(`{"message":"alert","alert_description":"NORTH ENTRY, ALERT, 39.2°C "}`)
	got := mustMarshal(t, Alert("NORTH ENTRY, ALERT, 39.2°C "))
	jsonEqual(t, want, got)
}

func TestDisconnectMessageShape(t *testing.T) {
	jsonEqual(t, []byte(`{"message":"disconnect"}`), mustMarshal(t, Disconnect()))
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
