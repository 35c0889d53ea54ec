package observability

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCurrentSnapshotReflectsSource(t *testing.T) {
	h := NewHealthWriter("", "v1.2.3", Source{
		SessionsOpen:   func() int { return 3 },
		InflightGlobal: func() int { return 7 },
	})
	h.SetListening(true)

	snap := h.CurrentSnapshot()
	if !snap.Listening {
		t.Error("expected Listening to be true")
	}
	if snap.SessionsOpen != 3 {
		t.Errorf("SessionsOpen = %d, want 3", snap.SessionsOpen)
	}
	if snap.InflightGlobal != 7 {
		t.Errorf("InflightGlobal = %d, want 7", snap.InflightGlobal)
	}
	if snap.Version != "v1.2.3" {
		t.Errorf("Version = %q, want %q", snap.Version, "v1.2.3")
	}
	if snap.LastError != nil {
		t.Errorf("LastError = %v, want nil", snap.LastError)
	}
}

func TestRecordErrorSetsAndClears(t *testing.T) {
	h := NewHealthWriter("", "v1", Source{})

	h.RecordError(errors.New("boom"))
	snap := h.CurrentSnapshot()
	if snap.LastError == nil || *snap.LastError != "boom" {
		t.Errorf("LastError = %v, want \"boom\"", snap.LastError)
	}

	h.RecordError(nil)
	snap = h.CurrentSnapshot()
	if snap.LastError != nil {
		t.Errorf("LastError = %v, want nil after clearing", snap.LastError)
	}
}

func TestWriteProducesValidJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "health.json")

	h := NewHealthWriter(path, "v1", Source{})
	h.SetListening(true)
	h.Write()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected health file to exist: %v", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("expected valid JSON: %v", err)
	}
	if !snap.Listening {
		t.Error("expected Listening to be true in the written snapshot")
	}
}

func TestWriteNoopsOnEmptyPath(t *testing.T) {
	h := NewHealthWriter("", "v1", Source{})
	// Must not panic or attempt any filesystem access.
	h.Write()
}
