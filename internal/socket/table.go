package socket

import "sync"

// Handler receives the payload of one inbound frame.
type Handler func(payload []byte)

// Router answers for ids that outlive a single reply. It is consulted before
// the correlation table and never removes anything from it.
type Router func(id string) (Handler, bool)

// Table correlates outstanding request ids with their response handlers.
// Each entry is removed when its reply is taken.
type Table struct {
	mu      sync.Mutex
	entries map[string]Handler
}

func NewTable() *Table {
	return &Table{entries: make(map[string]Handler)}
}

func (t *Table) Put(id string, h Handler) {
	t.mu.Lock()
	t.entries[id] = h
	t.mu.Unlock()
}

func (t *Table) Take(id string) (Handler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return h, ok
}

func (t *Table) Remove(id string) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) Clear() {
	t.mu.Lock()
	t.entries = make(map[string]Handler)
	t.mu.Unlock()
}
