package anchored

import (
	"context"
	"sync"
	"time"
)

// Remote is a typed client for the canonical datastore. Every call is
// scoped to one user by the implementation.
//
// Implementations return ErrNotFound from FetchByID for a missing row,
// ErrAlreadyExists from Insert for a taken id, and ErrVersionConflict from
// UpdateWithVersion when no row matches the expected version. Documents
// cross this boundary with tags folded into frontmatter; implementations
// use JoinTags and SplitTags for that.
type Remote interface {
	// FetchSince returns documents updated strictly after cursor, oldest
	// first. Soft-deleted rows are included.
	FetchSince(ctx context.Context, cursor time.Time) ([]Document, error)

	// FetchBodiesSince returns bodies updated strictly after cursor.
	FetchBodiesSince(ctx context.Context, cursor time.Time) ([]Body, error)

	// FetchByID returns one document, including soft-deleted ones.
	FetchByID(ctx context.Context, id string) (*Document, error)

	// FetchBodiesByIDs returns the bodies that exist for ids.
	FetchBodiesByIDs(ctx context.Context, ids []string) ([]Body, error)

	// Insert creates doc at version 1.
	Insert(ctx context.Context, doc Document) (*Document, error)

	// UpdateWithVersion writes doc over the row id only if the row's version
	// equals expected, and returns the stored row at version expected+1.
	UpdateWithVersion(ctx context.Context, id string, doc Document, expected int64) (*Document, error)

	// Delete removes the row and its body. Deleting a missing row returns
	// ErrNotFound.
	Delete(ctx context.Context, id string) error

	// UpsertBody writes a body unconditionally.
	UpsertBody(ctx context.Context, body Body) (*Body, error)

	// Ping checks that the datastore is reachable.
	Ping(ctx context.Context) error
}

// Network reports connectivity.
type Network interface {
	Online(ctx context.Context) bool
}

// NetworkNotifier is implemented by networks that announce transitions.
// The returned func cancels the subscription.
type NetworkNotifier interface {
	Notify(fn func(online bool)) (cancel func())
}

// StaticNetwork is a Network whose state is set explicitly, for hosts that
// learn about connectivity from the platform and for tests.
type StaticNetwork struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	nextID int
}

// NewStaticNetwork returns a network in the given state.
func NewStaticNetwork(online bool) *StaticNetwork {
	return &StaticNetwork{online: online, subs: make(map[int]func(bool))}
}

// Online reports the current state.
func (n *StaticNetwork) Online(context.Context) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// SetOnline changes the state and notifies subscribers on a transition.
func (n *StaticNetwork) SetOnline(online bool) {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return
	}
	n.online = online
	subs := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Notify subscribes fn to transitions.
func (n *StaticNetwork) Notify(fn func(online bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// PingNetwork probes connectivity by pinging the remote.
type PingNetwork struct {
	Remote  Remote
	Timeout time.Duration
}

// Online reports whether a ping succeeds within the timeout.
func (n PingNetwork) Online(ctx context.Context) bool {
	if n.Remote == nil {
		return false
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return n.Remote.Ping(ctx) == nil
}
