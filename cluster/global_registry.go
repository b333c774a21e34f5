package cluster

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// GlobalEntry is one cluster-wide name binding: which node hosts which
// server under the name, plus opaque metadata for coordination protocols.
type GlobalEntry struct {
	// Name is the cluster-unique key.
	Name string

	// Node hosts the server.
	Node NodeID

	// ServerID identifies the server on its node.
	ServerID string

	// Meta carries registrant-defined JSON metadata.
	Meta json.RawMessage

	// RegisteredAt orders conflicting gossip: the earlier registration
	// wins a merge.
	RegisteredAt time.Time
}

// GlobalRegistry is the local view of the cluster-wide unique name table.
// The view is eventually consistent: it is updated synchronously for local
// operations and merged from heartbeat gossip for remote ones, so lookups
// never need a network round trip but may lag actual cluster state.
type GlobalRegistry struct {
	mu      sync.Mutex
	entries map[string]GlobalEntry

	// orphans holds entries whose hosting node was declared down. They
	// leave the lookup view immediately but stay claimable, so a
	// failover supervisor can still assert ownership through TryClaim.
	orphans map[string]GlobalEntry
}

// NewGlobalRegistry creates an empty registry view.
func NewGlobalRegistry() *GlobalRegistry {
	return &GlobalRegistry{
		entries: make(map[string]GlobalEntry),
		orphans: make(map[string]GlobalEntry),
	}
}

// Register binds a name, failing with ErrGlobalNameConflict when the name
// is already mapped anywhere in the cluster view, including to a remote
// node.
func (g *GlobalRegistry) Register(entry GlobalEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, taken := g.entries[entry.Name]; taken {
		return fmt.Errorf("%w: %q already bound on %s",
			ErrGlobalNameConflict, entry.Name, existing.Node)
	}

	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = time.Now().UTC()
	}
	g.entries[entry.Name] = entry

	// A fresh registration supersedes any claimable leftover.
	delete(g.orphans, entry.Name)

	return nil
}

// Unregister removes a binding, returning true when one existed.
func (g *GlobalRegistry) Unregister(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, existed := g.entries[name]
	delete(g.entries, name)

	return existed
}

// Lookup returns the binding for a name from the local view.
func (g *GlobalRegistry) Lookup(name string) (GlobalEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.entries[name]

	return entry, ok
}

// List snapshots all bindings.
func (g *GlobalRegistry) List() []GlobalEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries := make([]GlobalEntry, 0, len(g.entries))
	for _, entry := range g.entries {
		entries = append(entries, entry)
	}

	return entries
}

// ListPrefix snapshots the bindings whose name carries the prefix.
func (g *GlobalRegistry) ListPrefix(prefix string) []GlobalEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	var entries []GlobalEntry
	for name, entry := range g.entries {
		if strings.HasPrefix(name, prefix) {
			entries = append(entries, entry)
		}
	}

	return entries
}

// RemoveNode drops every binding hosted by the given node from the lookup
// view, returning the removed entries. The bindings stay claimable through
// TryClaim until a claimant or a fresh registration consumes them. Called
// when membership reports the node down.
func (g *GlobalRegistry) RemoveNode(node NodeID) []GlobalEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	var removed []GlobalEntry
	for name, entry := range g.entries {
		if entry.Node == node {
			removed = append(removed, entry)
			delete(g.entries, name)

			// Keep the binding claimable for failover.
			g.orphans[name] = entry
		}
	}

	return removed
}

// TryClaim atomically checks ownership of a binding and deletes it: the
// read, the check, and the delete all happen under one critical section so
// two claimants can never both win against this view. A missing entry
// returns ok=false with a nil error (someone else already claimed); a check
// failure leaves the entry in place and returns the check's error.
func (g *GlobalRegistry) TryClaim(name string,
	check func(GlobalEntry) error) (GlobalEntry, bool, error) {

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, exists := g.entries[name]
	if !exists {
		entry, exists = g.orphans[name]
	}
	if !exists {
		return GlobalEntry{}, false, nil
	}

	if check != nil {
		if err := check(entry); err != nil {
			return GlobalEntry{}, false, err
		}
	}

	delete(g.entries, name)
	delete(g.orphans, name)

	return entry, true, nil
}

// snapshotWire exports the view for heartbeat gossip.
func (g *GlobalRegistry) snapshotWire() []globalEntryWire {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]globalEntryWire, 0, len(g.entries))
	for _, entry := range g.entries {
		out = append(out, globalEntryWire{
			Name:         entry.Name,
			NodeID:       entry.Node.String(),
			ServerID:     entry.ServerID,
			Meta:         entry.Meta,
			RegisteredAt: entry.RegisteredAt,
		})
	}

	return out
}

// mergeWire folds a gossiped view into the local one. Unknown names are
// adopted; on a name present in both views the earlier registration wins,
// which converges all views once gossip has flowed both ways.
func (g *GlobalRegistry) mergeWire(entries []globalEntryWire) {
	if len(entries) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, wire := range entries {
		node, err := ParseNodeID(wire.NodeID)
		if err != nil {
			continue
		}

		incoming := GlobalEntry{
			Name:         wire.Name,
			Node:         node,
			ServerID:     wire.ServerID,
			Meta:         wire.Meta,
			RegisteredAt: wire.RegisteredAt,
		}

		existing, present := g.entries[wire.Name]
		if !present ||
			incoming.RegisteredAt.Before(existing.RegisteredAt) {

			g.entries[wire.Name] = incoming
		}
	}
}
