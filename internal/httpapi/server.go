// Package httpapi implements the read-only REST query surface (spec.md
// §4.7): GET /alerts and GET /supplies, each accepting an optional "id"
// query parameter. It runs as its own task against a read-only view of the
// store so it keeps answering while the Dispatcher is busy serving stream
// and datagram clients.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/francoriba/shelter-server-HPC/internal/store"
)

const (
	alertsKeyPrefix   = "alert_"
	suppliesKeyPrefix = "supplies_"

	shutdownGrace = 5 * time.Second
)

// Server serves the REST query API over Store. It holds no write path: the
// only methods it calls are Get and ScanKeysContainingAll.
type Server struct {
	Store *store.Store
	Addr  string
}

// New builds a Server bound to addr (spec.md §4.7: fixed port 8011).
func New(s *store.Store, addr string) *Server {
	return &Server{Store: s, Addr: addr}
}

// Handler returns the REST API's routes, for embedding in an *http.Server
// the caller controls the lifecycle of.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/supplies", s.handleSupplies)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves the REST API until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpSrv := &http.Server{Addr: s.Addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", s.Addr).Info("rest query api listening")
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// singleIdParam enforces the original's "Only 'id' parameter is accepted"
// rule: at most one query parameter, and if present it must be named "id".
func singleIdParam(r *http.Request) (id string, ok bool) {
	q := r.URL.Query()
	if len(q) == 0 {
		return "", true
	}
	if len(q) > 1 {
		return "", false
	}
	if _, present := q["id"]; !present {
		return "", false
	}
	return q.Get("id"), true
}

func rejectExtraParams(w http.ResponseWriter) {
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprint(w, "Only 'id' parameter is accepted")
}

// handleAlerts implements Server::handleRestAlerts: with no id, every
// alert_ entry; with id, every alert_ entry whose key also contains
// "_<id>_".
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	id, ok := singleIdParam(r)
	if !ok {
		rejectExtraParams(w)
		return
	}

	substrings := []string{alertsKeyPrefix}
	if id != "" {
		substrings = append(substrings, "_"+id+"_")
	}

	entries, err := s.Store.ScanKeysContainingAll(substrings)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "ID not found")
		return
	}

	writeLines(w, entries)
}

// handleSupplies implements Server::handleRestSupplies, including its
// "id=latest" special case and its double-underscore substring bug: the
// original builds its id-search needle as SUPPLIES_KEY_PREFIX + "_" +
// id_param + "_", and SUPPLIES_KEY_PREFIX already ends in an underscore, so
// the resulting needle is "supplies__<id>_" with two underscores. No stored
// key is ever built with a doubled underscore, so this path can never
// match; it is preserved verbatim per spec.md §9 rather than "fixed" into
// a single underscore.
func (s *Server) handleSupplies(w http.ResponseWriter, r *http.Request) {
	id, ok := singleIdParam(r)
	if !ok {
		rejectExtraParams(w)
		return
	}

	switch {
	case id == "":
		entries, err := s.Store.ScanKeysContainingAll([]string{suppliesKeyPrefix})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(entries) == 0 {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, "No supplies found")
			return
		}
		writeArray(w, entries)

	case id == "latest":
		raw, found, err := s.Store.Get("latestSupplies")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !found {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, "Latest supplies not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, raw)

	default:
		needle := suppliesKeyPrefix + "_" + id + "_"
		entries, err := s.Store.ScanKeysContainingAll([]string{needle})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if len(entries) == 0 {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, "ID not found")
			return
		}
		writeArray(w, entries)
	}
}

// writeLines renders one {key: value} JSON object per line, matching
// spec.md §4.7's "concatenation, separated by newline, of every {key:
// value} JSON object obtained by scan_keys_containing_all(...)". The value
// is the raw store value (AlertRecord is free-form text, not itself JSON,
// per spec.md §3), so each line is built rather than re-encoded.
func writeLines(w http.ResponseWriter, entries []store.Entry) {
	w.Header().Set("Content-Type", "application/json")
	for _, e := range entries {
		obj := map[string]string{e.Key: e.Value}
		b, err := json.Marshal(obj)
		if err != nil {
			log.WithError(err).Error("encoding alerts response line")
			continue
		}
		w.Write(b)
		fmt.Fprintln(w)
	}
}

// writeArray decodes each entry's value (itself a JSON-encoded supplies
// snapshot) and re-encodes them as a single JSON array, matching the
// original supplies handler's combined_response array.
func writeArray(w http.ResponseWriter, entries []store.Entry) {
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, json.RawMessage(e.Value))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		log.WithError(err).Error("encoding supplies response")
	}
}
