package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncContactAdded()
	m.IncContactAdded()
	m.IncContactRemoved()
	m.IncDuplicate()
	m.IncDiscoverSent()
	m.IncDiscoverReceived()
	m.IncLineRejected()
	m.AddNewContacts(3)
	m.AddNewContacts(-1)
	m.IncConnectRequested()
	m.IncConnectDropped()
	m.IncConnectFailed()
	m.IncTextSent()
	m.IncTextReceived()
	snap := m.Snapshot()
	if snap.Contacts.Added != 2 || snap.Contacts.Removed != 1 || snap.Contacts.Duplicates != 1 {
		t.Fatalf("unexpected contact counts: %+v", snap.Contacts)
	}
	if snap.Discover.Sent != 1 || snap.Discover.Received != 1 || snap.Discover.LinesRejected != 1 {
		t.Fatalf("unexpected discover counts: %+v", snap.Discover)
	}
	if snap.Discover.NewContacts != 3 {
		t.Fatalf("expected new_contacts=3, got %d", snap.Discover.NewContacts)
	}
	if snap.Connect.Requested != 1 || snap.Connect.Dropped != 1 || snap.Connect.Failed != 1 {
		t.Fatalf("unexpected connect counts: %+v", snap.Connect)
	}
	if snap.Text.Sent != 1 || snap.Text.Received != 1 {
		t.Fatalf("unexpected text counts: %+v", snap.Text)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncContactAdded()
	m.IncConnectFailed()
	m.AddNewContacts(4)
	if snap := m.Snapshot(); snap.Contacts.Added != 0 || snap.GeneratedAt.IsZero() {
		t.Fatalf("unexpected nil snapshot: %+v", snap)
	}
}

func TestWriteSnapshot(t *testing.T) {
	m := New()
	m.IncDiscoverSent()
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := m.WriteSnapshot(path); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Discover.Sent != 1 {
		t.Fatalf("expected discover sent=1, got %d", snap.Discover.Sent)
	}
	if err := m.WriteSnapshot(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}
