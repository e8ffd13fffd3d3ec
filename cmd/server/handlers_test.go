package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rebuildcraft.ai/internal/persistence/store"
	"rebuildcraft.ai/internal/sim/maps"
	"rebuildcraft.ai/internal/sim/multimap"
	"rebuildcraft.ai/internal/sim/session"
	"rebuildcraft.ai/internal/sim/tuning"
)

func findRepoRootForServerTests(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate go.mod from %s", dir)
		}
		dir = parent
	}
}

func newTestManagerForServer(t *testing.T) *multimap.Manager {
	t.Helper()
	root := findRepoRootForServerTests(t)
	mcfg, err := maps.Load(filepath.Join(root, "configs", "maps.yaml"))
	if err != nil {
		t.Fatalf("load maps: %v", err)
	}
	tune, err := tuning.Load(filepath.Join(root, "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load tuning: %v", err)
	}
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "rc.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := db.SeedObjectives(context.Background(), mcfg.Seeds()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m, err := multimap.NewManager(mcfg, tune, session.Deps{Store: db, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		_ = db.Close()
	})
	return m
}

func TestMetricsHandler(t *testing.T) {
	m := newTestManagerForServer(t)
	if _, err := m.Acquire(1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mux := http.NewServeMux()
	registerHandlers(mux, m, false)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"rebuildcraft_sessions 1",
		`rebuildcraft_session_participants{map="1"} 0`,
		"# TYPE rebuildcraft_flushes_total counter",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("sessions without admin: status=%d want 404", rec.Code)
	}
}

func TestSessionsHandlerIsLoopbackOnly(t *testing.T) {
	m := newTestManagerForServer(t)
	if _, err := m.Acquire(2); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mux := http.NewServeMux()
	registerHandlers(mux, m, true)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote status=%d want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.RemoteAddr = "127.0.0.1:5555"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("loopback status=%d", rec.Code)
	}
	var resp struct {
		Maps     []int          `json:"maps"`
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Sessions) != 1 || resp.Sessions[0].MapID != 2 {
		t.Fatalf("sessions=%+v", resp.Sessions)
	}
	if len(resp.Maps) != 5 {
		t.Fatalf("maps=%v", resp.Maps)
	}
}

func TestAdminDefaultsByEnvironment(t *testing.T) {
	on, off := true, false
	cases := []struct {
		cfg  envConfig
		want bool
	}{
		{envConfig{DeployEnv: "dev"}, true},
		{envConfig{DeployEnv: "production"}, false},
		{envConfig{DeployEnv: "Staging"}, false},
		{envConfig{DeployEnv: "production", EnableAdminHTTP: &on}, true},
		{envConfig{DeployEnv: "dev", EnableAdminHTTP: &off}, false},
	}
	for _, tc := range cases {
		if got := tc.cfg.adminEnabled(); got != tc.want {
			t.Fatalf("%+v: got=%v want=%v", tc.cfg, got, tc.want)
		}
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"10.0.0.1:80":  false,
		"garbage":      false,
	} {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("%s: got=%v want=%v", addr, got, want)
		}
	}
}
