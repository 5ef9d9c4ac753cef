package server

import "sync"

// DefaultMaxConnections is the default connection table capacity.
const DefaultMaxConnections = 50

// ConnectionTable is the bounded, unordered collection of live
// connections. It is safe for concurrent use: the accept loop adds
// connections, each connection removes itself when it closes, and Range
// is used for broadcast fan-out.
type ConnectionTable struct {
	mu     sync.Mutex
	max    int
	nextID uint64
	conns  map[uint64]*Connection
}

// NewConnectionTable creates a table bounded at max (0 means
// DefaultMaxConnections).
func NewConnectionTable(max int) *ConnectionTable {
	if max <= 0 {
		max = DefaultMaxConnections
	}
	return &ConnectionTable{max: max, conns: make(map[uint64]*Connection)}
}

// PruneStale drops any tracked connection that has already closed
// itself; called on every accept so capacity isn't wasted on dead
// entries.
func (t *ConnectionTable) PruneStale() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.conns {
		if c.Gone() {
			delete(t.conns, id)
		}
	}
}

// TryAdd assigns c an id and adds it, failing if the table is at
// capacity.
func (t *ConnectionTable) TryAdd(c *Connection) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) >= t.max {
		return false
	}
	t.nextID++
	c.id = t.nextID
	t.conns[c.id] = c
	return true
}

// Remove drops the connection with the given id, if present.
func (t *ConnectionTable) Remove(id uint64) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

// Range calls f for every currently tracked connection. f must not call
// back into the table.
func (t *ConnectionTable) Range(f func(*Connection)) {
	t.mu.Lock()
	snapshot := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		snapshot = append(snapshot, c)
	}
	t.mu.Unlock()
	for _, c := range snapshot {
		f(c)
	}
}
