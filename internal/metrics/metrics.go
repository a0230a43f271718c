package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Contacts    ContactMetrics  `json:"contacts"`
	Discover    DiscoverMetrics `json:"discover"`
	Connect     ConnectMetrics  `json:"connect"`
	Text        TextMetrics     `json:"text"`
}

type ContactMetrics struct {
	Added      uint64 `json:"added"`
	Removed    uint64 `json:"removed"`
	Duplicates uint64 `json:"duplicates"`
}

type DiscoverMetrics struct {
	Sent          uint64 `json:"sent"`
	Received      uint64 `json:"received"`
	LinesRejected uint64 `json:"lines_rejected"`
	NewContacts   uint64 `json:"new_contacts"`
}

type ConnectMetrics struct {
	Requested uint64 `json:"requested"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

type TextMetrics struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
}

// Metrics counts registry and discovery events. A nil *Metrics discards
// every increment.
type Metrics struct {
	contactAdded      atomic.Uint64
	contactRemoved    atomic.Uint64
	contactDuplicates atomic.Uint64
	discoverSent      atomic.Uint64
	discoverReceived  atomic.Uint64
	discoverRejected  atomic.Uint64
	discoverNew       atomic.Uint64
	connectRequested  atomic.Uint64
	connectDropped    atomic.Uint64
	connectFailed     atomic.Uint64
	textSent          atomic.Uint64
	textReceived      atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncContactAdded() {
	if m != nil {
		m.contactAdded.Add(1)
	}
}

func (m *Metrics) IncContactRemoved() {
	if m != nil {
		m.contactRemoved.Add(1)
	}
}

func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.contactDuplicates.Add(1)
	}
}

func (m *Metrics) IncDiscoverSent() {
	if m != nil {
		m.discoverSent.Add(1)
	}
}

func (m *Metrics) IncDiscoverReceived() {
	if m != nil {
		m.discoverReceived.Add(1)
	}
}

func (m *Metrics) IncLineRejected() {
	if m != nil {
		m.discoverRejected.Add(1)
	}
}

func (m *Metrics) AddNewContacts(n int) {
	if m != nil && n > 0 {
		m.discoverNew.Add(uint64(n))
	}
}

func (m *Metrics) IncConnectRequested() {
	if m != nil {
		m.connectRequested.Add(1)
	}
}

func (m *Metrics) IncConnectDropped() {
	if m != nil {
		m.connectDropped.Add(1)
	}
}

func (m *Metrics) IncConnectFailed() {
	if m != nil {
		m.connectFailed.Add(1)
	}
}

func (m *Metrics) IncTextSent() {
	if m != nil {
		m.textSent.Add(1)
	}
}

func (m *Metrics) IncTextReceived() {
	if m != nil {
		m.textReceived.Add(1)
	}
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Contacts: ContactMetrics{
			Added:      m.contactAdded.Load(),
			Removed:    m.contactRemoved.Load(),
			Duplicates: m.contactDuplicates.Load(),
		},
		Discover: DiscoverMetrics{
			Sent:          m.discoverSent.Load(),
			Received:      m.discoverReceived.Load(),
			LinesRejected: m.discoverRejected.Load(),
			NewContacts:   m.discoverNew.Load(),
		},
		Connect: ConnectMetrics{
			Requested: m.connectRequested.Load(),
			Dropped:   m.connectDropped.Load(),
			Failed:    m.connectFailed.Load(),
		},
		Text: TextMetrics{
			Sent:     m.textSent.Load(),
			Received: m.textReceived.Load(),
		},
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
