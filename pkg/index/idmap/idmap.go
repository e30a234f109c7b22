// Package idmap assigns a dense uint32 id to every entity UUID, since the
// roaring-bitmap posting lists used by the metadata and graph indexes
// operate over uint32 values rather than arbitrary strings.
package idmap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/localbrain/cortex/internal/encoding"
	"github.com/localbrain/cortex/pkg/storageadapter"
)

// persistKey holds the entire uuid<->id mapping as a single object: the
// mapping is small relative to the metadata/vector records it indexes and
// every reader needs it whole before it can make sense of any other chunk.
const persistKey = "_system/idmap"

// Map is a bidirectional UUID <-> uint32 mapping, shared by every index
// that needs to translate between the two.
type Map struct {
	mu     sync.RWMutex
	toID   map[string]uint32
	toUUID map[uint32]string
	next   uint32
}

// New returns an empty Map.
func New() *Map {
	return &Map{toID: make(map[string]uint32), toUUID: make(map[uint32]string)}
}

// IDFor returns uuid's dense id, assigning a new one if this is the first
// time uuid has been seen.
func (m *Map) IDFor(uuid string) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.toID[uuid]; ok {
		return id
	}
	id := m.next
	m.next++
	m.toID[uuid] = id
	m.toUUID[id] = uuid
	return id
}

// Lookup returns uuid's id without assigning one.
func (m *Map) Lookup(uuid string) (uint32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.toID[uuid]
	return id, ok
}

// UUIDFor reverses IDFor.
func (m *Map) UUIDFor(id uint32) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uuid, ok := m.toUUID[id]
	return uuid, ok
}

// Delete forgets uuid's mapping entirely.
func (m *Map) Delete(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.toID[uuid]; ok {
		delete(m.toID, uuid)
		delete(m.toUUID, id)
	}
}

// Reset discards every mapping, used by Clear (§4.9).
func (m *Map) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toID = make(map[string]uint32)
	m.toUUID = make(map[uint32]string)
	m.next = 0
}

type persisted struct {
	Entries map[string]uint32 `json:"entries"`
	Next    uint32            `json:"next"`
}

// Flush persists the whole mapping to a single adapter key, so a later
// Load can restore the exact same uuid<->id assignments.
func (m *Map) Flush(ctx context.Context, adapter storageadapter.Adapter) error {
	m.mu.RLock()
	entries := make(map[string]uint32, len(m.toID))
	for uuid, id := range m.toID {
		entries[uuid] = id
	}
	next := m.next
	m.mu.RUnlock()

	data, err := encoding.EncodeJSON(persisted{Entries: entries, Next: next})
	if err != nil {
		return fmt.Errorf("idmap: encode: %w", err)
	}
	if err := adapter.Put(ctx, persistKey, data); err != nil {
		return fmt.Errorf("idmap: write: %w", err)
	}
	return nil
}

// Load restores a mapping previously written by Flush. A missing key
// (nothing ever flushed yet) leaves m empty and is not an error.
func (m *Map) Load(ctx context.Context, adapter storageadapter.Adapter) error {
	data, err := adapter.Get(ctx, persistKey)
	if errors.Is(err, storageadapter.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("idmap: read: %w", err)
	}

	var p persisted
	if err := encoding.DecodeJSON(data, &p); err != nil {
		return fmt.Errorf("idmap: decode: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.toID = make(map[string]uint32, len(p.Entries))
	m.toUUID = make(map[uint32]string, len(p.Entries))
	for uuid, id := range p.Entries {
		m.toID[uuid] = id
		m.toUUID[id] = uuid
	}
	m.next = p.Next
	return nil
}
