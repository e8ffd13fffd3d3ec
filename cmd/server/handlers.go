package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"rebuildcraft.ai/internal/sim/multimap"
	"rebuildcraft.ai/internal/sim/session"
)

func registerHandlers(mux *http.ServeMux, m *multimap.Manager, admin bool) {
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, m.Sessions(), m.MoveMetrics())
	})
	if !admin {
		return
	}
	// Local-only introspection.
	mux.HandleFunc("/v1/sessions", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			Maps     []int          `json:"maps"`
			Sessions []session.Info `json:"sessions"`
		}{
			Maps:     m.MapIDs(),
			Sessions: m.Sessions(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})
}

// writeMetrics renders the Prometheus text exposition format.
func writeMetrics(w io.Writer, infos []session.Info, moves []multimap.MoveMetric) {
	fmt.Fprintf(w, "# HELP rebuildcraft_sessions Running map sessions.\n")
	fmt.Fprintf(w, "# TYPE rebuildcraft_sessions gauge\n")
	fmt.Fprintf(w, "rebuildcraft_sessions %d\n", len(infos))

	gauge := func(name, help string, val func(session.Info) int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		for _, in := range infos {
			fmt.Fprintf(w, "%s{map=%q} %d\n", name, strconv.Itoa(in.MapID), val(in))
		}
	}
	counter := func(name, help string, val func(session.Info) uint64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		for _, in := range infos {
			fmt.Fprintf(w, "%s{map=%q} %d\n", name, strconv.Itoa(in.MapID), val(in))
		}
	}

	gauge("rebuildcraft_session_participants", "Connected participants.", func(in session.Info) int64 { return int64(in.Participants) })
	gauge("rebuildcraft_session_unlocked", "1 once every objective of the map is complete.", func(in session.Info) int64 {
		if in.Unlocked {
			return 1
		}
		return 0
	})
	counter("rebuildcraft_flushes_total", "Flushes applied.", func(in session.Info) uint64 { return in.Flushes })
	counter("rebuildcraft_flush_errors_total", "Flush transactions that failed and were discarded.", func(in session.Info) uint64 { return in.FlushErrors })
	counter("rebuildcraft_units_applied_total", "Progress units committed.", func(in session.Info) uint64 { return in.UnitsApplied })
	counter("rebuildcraft_denied_total", "Actions denied by admission or rate limits.", func(in session.Info) uint64 { return in.Denied })
	counter("rebuildcraft_trades_total", "Completed trades.", func(in session.Info) uint64 { return in.Trades })

	fmt.Fprintf(w, "# HELP rebuildcraft_pending_units Buffered contribution units awaiting flush.\n")
	fmt.Fprintf(w, "# TYPE rebuildcraft_pending_units gauge\n")
	for _, in := range infos {
		for kind, n := range in.Pending {
			fmt.Fprintf(w, "rebuildcraft_pending_units{map=%q,kind=%q} %d\n", strconv.Itoa(in.MapID), kind, n)
		}
	}

	fmt.Fprintf(w, "# HELP rebuildcraft_map_moves_total Participants moving between maps.\n")
	fmt.Fprintf(w, "# TYPE rebuildcraft_map_moves_total counter\n")
	for _, mv := range moves {
		fmt.Fprintf(w, "rebuildcraft_map_moves_total{from=%q,to=%q} %d\n", strconv.Itoa(mv.From), strconv.Itoa(mv.To), mv.Count)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
