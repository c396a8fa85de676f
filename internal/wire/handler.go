package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/francoriba/shelter-server-HPC/internal/store"
	"github.com/francoriba/shelter-server-HPC/internal/supplies"
)

// timestampLayout renders the "[YYYY-MM-DD HH:MM:SS]" timestamp spec.md §3
// embeds in every history key.
const timestampLayout = "[2006-01-02 15:04:05]"

// Handler dispatches parsed requests against the durable store and supply
// model. It is carrier-agnostic: the same Handler serves both the stream
// and datagram paths, per spec.md §4.8 ("a small set of JSON message types
// ... over both stream and datagram transports").
type Handler struct {
	Store    *store.Store
	Supplies *supplies.Model
	Ids      *store.IdGen
	Now      func() time.Time
}

// NewHandler wires a Handler over the given collaborators.
func NewHandler(s *store.Store, m *supplies.Model, ids *store.IdGen) *Handler {
	return &Handler{Store: s, Supplies: m, Ids: ids, Now: time.Now}
}

// Authenticate implements the authenticateme message (stream only,
// spec.md §4.8). It does not touch the store; session state (A1) is owned
// by the Dispatcher's client table, not by Handler.
func (h *Handler) Authenticate(hostname string) bool {
	return hostname == AdminHostname
}

// Status implements the status message: current supplies, no auth required.
func (h *Handler) Status() (any, error) {
	snap, err := h.Supplies.Read()
	if err != nil {
		return nil, err
	}
	return SuppliesResponse(snap), nil
}

// Update applies delta via the supply model, persists a history snapshot,
// updates the fast-path latestSupplies pointer and last_supplies id, and
// records lastEvent. Per spec.md §4.3/§4.8, authorization is the caller's
// responsibility (A1/A2): Update assumes it has already been granted.
func (h *Handler) Update(delta supplies.Delta, eventDescription string) (supplies.Snapshot, error) {
	snap, err := h.Supplies.Apply(delta)
	if err != nil {
		return supplies.Snapshot{}, err
	}

	id := h.Ids.Next(store.FamilySupplies)
	key := fmt.Sprintf("supplies_%s_%s", id, h.Now().Format(timestampLayout))

	raw, err := marshalSnapshot(snap)
	if err != nil {
		return supplies.Snapshot{}, err
	}

	if err := h.Store.Put(key, raw); err != nil {
		return supplies.Snapshot{}, err
	}
	if err := h.Store.Put("latestSupplies", raw); err != nil {
		return supplies.Snapshot{}, err
	}
	if err := h.Store.Put(store.LastKey(store.FamilySupplies), id); err != nil {
		return supplies.Snapshot{}, err
	}
	if eventDescription != "" {
		if err := h.Store.Put("lastEvent", eventDescription); err != nil {
			return supplies.Snapshot{}, err
		}
	}

	return snap, nil
}

// Summary implements the summary message: per-direction alert counts plus
// the current supplies and lastEvent pointer.
func (h *Handler) Summary() (any, error) {
	north, err := h.Store.CountValuesContaining("NORTH")
	if err != nil {
		return nil, err
	}
	south, err := h.Store.CountValuesContaining("SOUTH")
	if err != nil {
		return nil, err
	}
	east, err := h.Store.CountValuesContaining("EAST")
	if err != nil {
		return nil, err
	}
	west, err := h.Store.CountValuesContaining("WEST")
	if err != nil {
		return nil, err
	}

	snap, err := h.Supplies.Read()
	if err != nil {
		return nil, err
	}

	lastEvent, _, err := h.Store.Get("lastEvent")
	if err != nil {
		return nil, err
	}

	return SummaryResponse(SummaryCounts{North: north, South: south, East: east, West: west}, snap, lastEvent), nil
}

// RecordAlert persists raw (a single FIFO line) under an alert_<id>_<ts>
// key, bumps last_alert, and returns the assigned key for callers that
// want to log it.
func (h *Handler) RecordAlert(raw string) (string, error) {
	id := h.Ids.Next(store.FamilyAlerts)
	key := fmt.Sprintf("alert_%s_%s", id, h.Now().Format(timestampLayout))

	if err := h.Store.Put(key, raw); err != nil {
		return "", err
	}
	if err := h.Store.Put(store.LastKey(store.FamilyAlerts), id); err != nil {
		return "", err
	}
	return key, nil
}

// RecordEmergencyNotice persists raw (the shutdown-socket line) under an
// emergencyNotification_<id>_<ts> key, bumps last_notif, and sets lastEvent
// to raw, matching the original's dbWrapper.put(LAST_EVENT_KEY, buffer) on
// the same code path (original_source/src/server/server.cpp:1011).
func (h *Handler) RecordEmergencyNotice(raw string) (string, error) {
	id := h.Ids.Next(store.FamilyNotifications)
	key := fmt.Sprintf("emergencyNotification_%s_%s", id, h.Now().Format(timestampLayout))

	if err := h.Store.Put(key, raw); err != nil {
		return "", err
	}
	if err := h.Store.Put(store.LastKey(store.FamilyNotifications), id); err != nil {
		return "", err
	}
	if err := h.Store.Put("lastEvent", raw); err != nil {
		return "", err
	}
	return key, nil
}

// RecordBoot sets lastEvent to a fixed startup marker, matching the
// original's unconditional dbWrapper.put(LAST_EVENT_KEY, "Server just
// started") in Server::start (original_source/src/server/server.cpp:49).
func (h *Handler) RecordBoot() error {
	return h.Store.Put("lastEvent", "Server just started")
}

// RehydrateIds seeds Ids from the store's last_* pointers, per spec.md §4.2.
func (h *Handler) RehydrateIds() error {
	for _, f := range []store.Family{store.FamilySupplies, store.FamilyAlerts, store.FamilyNotifications} {
		raw, ok, err := h.Store.Get(store.LastKey(f))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		var last int64
		if _, err := fmt.Sscanf(raw, "%d", &last); err != nil {
			continue
		}
		h.Ids.Rehydrate(f, last)
	}
	return nil
}

func marshalSnapshot(snap supplies.Snapshot) (string, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("wire: encoding supplies snapshot: %w", err)
	}
	return string(b), nil
}
