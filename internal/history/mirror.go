// Package history keeps each client's bounded local mirror of the room
// transcript. The mirror is rebuilt and merged, never mutated by a
// remote peer directly: peers exchange plain message arrays and every
// import goes through the same dedup/sort/truncate rule, which makes
// merging commutative and idempotent.
package history

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mossy-p/scramble-chat/internal/chat"
)

// DefaultCapacity is the ring size: once exceeded after any insert or
// merge, the oldest messages by timestamp are discarded first.
const DefaultCapacity = 100

// Mirror is an append-only bounded log of chat messages, deduplicated
// by message id and ordered ascending by timestamp.
type Mirror struct {
	mu       sync.Mutex
	capacity int
	msgs     []chat.Message
	seen     map[string]struct{}

	onUpdate func([]chat.Message)
}

func NewMirror(capacity int) *Mirror {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Mirror{
		capacity: capacity,
		seen:     make(map[string]struct{}),
	}
}

// OnUpdate registers the observer notified with a fresh snapshot after
// every change. Must be set before the mirror is shared.
func (m *Mirror) OnUpdate(fn func([]chat.Message)) {
	m.onUpdate = fn
}

// Record inserts a single message. Returns false without any change
// when the id is already present.
func (m *Mirror) Record(msg chat.Message) bool {
	msg = msg.WithDefaults(time.Now())

	m.mu.Lock()
	if _, dup := m.seen[msg.ID]; dup {
		m.mu.Unlock()
		return false
	}
	m.msgs = append(m.msgs, msg)
	m.seen[msg.ID] = struct{}{}
	m.compact()
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snapshot)
	return true
}

// Merge unions the mirror with the provided histories, deduplicating
// by id, then re-applies the sort/truncate rule. Returns the merged
// snapshot.
func (m *Mirror) Merge(histories ...[]chat.Message) []chat.Message {
	m.mu.Lock()
	changed := false
	for _, history := range histories {
		for _, msg := range history {
			msg = msg.WithDefaults(time.Now())
			if _, dup := m.seen[msg.ID]; dup {
				continue
			}
			m.msgs = append(m.msgs, msg)
			m.seen[msg.ID] = struct{}{}
			changed = true
		}
	}
	if changed {
		m.compact()
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if changed {
		m.notify(snapshot)
	}
	return snapshot
}

// Messages returns an ordered snapshot of the mirror.
func (m *Mirror) Messages() []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

// Clear drops the whole mirror.
func (m *Mirror) Clear() {
	m.mu.Lock()
	m.msgs = nil
	m.seen = make(map[string]struct{})
	m.mu.Unlock()

	m.notify(nil)
}

// compact re-sorts by timestamp and truncates to capacity, discarding
// the oldest. Caller holds the lock.
func (m *Mirror) compact() {
	sort.SliceStable(m.msgs, func(i, j int) bool {
		return m.msgs[i].Timestamp < m.msgs[j].Timestamp
	})
	if len(m.msgs) > m.capacity {
		dropped := m.msgs[:len(m.msgs)-m.capacity]
		for _, msg := range dropped {
			delete(m.seen, msg.ID)
		}
		m.msgs = append([]chat.Message(nil), m.msgs[len(m.msgs)-m.capacity:]...)
	}
}

func (m *Mirror) snapshotLocked() []chat.Message {
	return append([]chat.Message(nil), m.msgs...)
}

func (m *Mirror) notify(snapshot []chat.Message) {
	if m.onUpdate != nil {
		m.onUpdate(snapshot)
	}
}

// Snapshot is the serialized form used for local persistence between
// runs.
type Snapshot struct {
	Messages     []chat.Message `json:"messages"`
	LastUpdated  int64          `json:"lastUpdated"`
	MessageCount int            `json:"messageCount"`
}

// Export serializes the current mirror contents.
func (m *Mirror) Export() ([]byte, error) {
	msgs := m.Messages()
	return json.Marshal(Snapshot{
		Messages:     msgs,
		LastUpdated:  time.Now().UnixMilli(),
		MessageCount: len(msgs),
	})
}

// Import merges a previously exported snapshot into the mirror.
func (m *Mirror) Import(data []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	m.Merge(snap.Messages)
	return nil
}
