package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lowkeylabs/stratum/internal/config"
	"github.com/lowkeylabs/stratum/internal/engine"
	"github.com/lowkeylabs/stratum/internal/store"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return New(db, engine.New(db, config.Default()), "test")
}

func TestHealth(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if resp["db"] != true {
		t.Errorf("db = %v, want true", resp["db"])
	}
}

func TestStats(t *testing.T) {
	srv := testServer(t)
	createSnapshot(t, srv, `{"project":"proj","summary":"one"}`)
	createSnapshot(t, srv, `{"project":"proj","summary":"two"}`)

	req := httptest.NewRequest("GET", "/api/stats?project=proj", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Snapshots int            `json:"snapshots"`
		Tiers     map[string]int `json:"tiers"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Snapshots != 2 {
		t.Errorf("snapshots = %d, want 2", resp.Snapshots)
	}
	if resp.Tiers["active"] != 2 {
		t.Errorf("active = %d, want 2", resp.Tiers["active"])
	}
}
