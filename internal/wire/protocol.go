// Package wire implements the WireProtocol (C8): the JSON message schema
// shared by the stream (TCP) and datagram (UDP) carriers, and its handler
// dispatch. Grounded on src/server/server.cpp's checkTcpClientsMsgs /
// checkUdpClientsMsgs handlers.
package wire

import (
	"encoding/json"
	"errors"

	"github.com/francoriba/shelter-server-HPC/internal/supplies"
)

// ErrProtocolParse means a received buffer was not a single valid JSON
// object, or carried no (or an empty) message field (spec.md §7). Unknown
// message values parse successfully; the Dispatcher logs and ignores them.
var ErrProtocolParse = errors.New("wire: malformed message")

// ErrAuthRequired means an "update" arrived on a stream session that never
// completed authenticateme, or a datagram "update" without hostname=="ubuntu".
var ErrAuthRequired = errors.New("wire: authentication required")

// AdminHostname is the single string spec.md §4.8 checks authenticateme and
// datagram update requests against.
const AdminHostname = "ubuntu"

// MaxFrameBytes bounds a single recv buffer per spec.md §4.8: stream reads
// are not length-prefixed, so a unit is whatever one recv()/ReadFrom()
// returns, up to this size.
const MaxFrameBytes = 1024

// Request is the superset of fields any inbound message may carry. Only the
// fields relevant to Message are populated by the sender.
type Request struct {
	Message  string                 `json:"message"`
	Hostname string                 `json:"hostname,omitempty"`
	Food     map[string]json.Number `json:"food,omitempty"`
	Medicine map[string]json.Number `json:"medicine,omitempty"`
	Image    string                 `json:"image,omitempty"`
}

// ParseRequest attempts a full JSON-object parse of buf. Per spec.md §4.8,
// a parse failure means the unit is simply dropped (ErrProtocolParse),
// never a fatal error for the session.
func ParseRequest(buf []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(buf, &req); err != nil {
		return Request{}, ErrProtocolParse
	}
	if req.Message == "" {
		return Request{}, ErrProtocolParse
	}
	return req, nil
}

// Delta converts the request's food/medicine sub-objects into a
// supplies.Delta.
func (r Request) Delta() supplies.Delta {
	return supplies.Delta{Food: r.Food, Medicine: r.Medicine}
}

// --- Response message constructors, one per spec.md §4.8 response shape ---

func AuthSuccess() any { return map[string]string{"message": "auth_success"} }
func AuthFailure() any { return map[string]string{"message": "auth_failure"} }

// SuppliesResponse is {message:"supplies_response", food:{...}, medicine:{...}}.
func SuppliesResponse(snap supplies.Snapshot) any {
	return struct {
		Message  string            `json:"message"`
		Food     supplies.Food     `json:"food"`
		Medicine supplies.Medicine `json:"medicine"`
	}{"supplies_response", snap.Food, snap.Medicine}
}

// SummaryCounts is the per-direction alert tally in a summary_response.
type SummaryCounts struct {
	North int `json:"north_entry"`
	South int `json:"south_entry"`
	East  int `json:"east_entry"`
	West  int `json:"west_entry"`
}

// LastKeepalived wraps the lastEvent pointer exactly as spec.md §4.8 shapes
// it: {lastEvent: <string>}.
type LastKeepalived struct {
	LastEvent string `json:"lastEvent"`
}

// SummaryResponse is the full summary_response message.
func SummaryResponse(alerts SummaryCounts, snap supplies.Snapshot, lastEvent string) any {
	return struct {
		Message  string         `json:"message"`
		Alerts   SummaryCounts  `json:"alerts"`
		Supplies struct {
			Food     supplies.Food     `json:"food"`
			Medicine supplies.Medicine `json:"medicine"`
		} `json:"supplies"`
		LastKeepalived LastKeepalived `json:"last_keepalived"`
	}{
		Message: "summary_response",
		Alerts:  alerts,
		Supplies: struct {
			Food     supplies.Food     `json:"food"`
			Medicine supplies.Medicine `json:"medicine"`
		}{snap.Food, snap.Medicine},
		LastKeepalived: LastKeepalived{LastEvent: lastEvent},
	}
}

// ImageList is {message:"image_list", images:[...]}.
func ImageList(images []string) any {
	if images == nil {
		images = []string{}
	}
	return struct {
		Message string   `json:"message"`
		Images  []string `json:"images"`
	}{"image_list", images}
}

// FileSize is {message:"file_size", size:N}.
func FileSize(size int64) any {
	return struct {
		Message string `json:"message"`
		Size    int64  `json:"size"`
	}{"file_size", size}
}

// ZipReady is {message:"zip_ready"}.
func ZipReady() any { return map[string]string{"message": "zip_ready"} }

// Alert is the pushed {message:"alert", alert_description:"..."} broadcast.
func Alert(description string) any {
	return struct {
		Message          string `json:"message"`
		AlertDescription string `json:"alert_description"`
	}{"alert", description}
}

// Disconnect is the pushed {message:"disconnect"} broadcast.
func Disconnect() any { return map[string]string{"message": "disconnect"} }
