package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"notesync/events"
)

const (
	// DefaultLivenessWindow is how long a peer may go unseen before eviction.
	DefaultLivenessWindow = 3 * DefaultRefreshInterval
	// DefaultSweepInterval is how often the registry checks for stale peers.
	DefaultSweepInterval = DefaultRefreshInterval
)

// Peer is one known remote instance on the local network.
type Peer struct {
	ID       string
	Name     string
	IP       string
	Port     int
	LastSeen time.Time
}

// Addr returns the peer's dialable TCP address.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

func (p Peer) sameEndpoint(other Peer) bool {
	return p.Name == other.Name && p.IP == other.IP && p.Port == other.Port
}

// RegistryOptions configures peer retention and event publication.
type RegistryOptions struct {
	LivenessWindow time.Duration
	SweepInterval  time.Duration
	Bus            *events.Bus
	Logger         zerolog.Logger

	now func() time.Time
}

func (o RegistryOptions) withDefaults() RegistryOptions {
	out := o
	if out.LivenessWindow <= 0 {
		out.LivenessWindow = DefaultLivenessWindow
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.now == nil {
		out.now = time.Now
	}
	return out
}

// Registry is the thread-safe mapping from peer ID to Peer. The discovery
// service and the sweep task are its only writers.
type Registry struct {
	opts RegistryOptions

	mu    sync.Mutex
	peers map[string]Peer
	order []string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		opts:  opts.withDefaults(),
		peers: make(map[string]Peer),
	}
}

// Start launches the background liveness sweep.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.ctx, r.cancel = context.WithCancel(context.Background())
		r.wg.Add(1)
		go r.sweepLoop()
	})
}

// Stop halts the liveness sweep.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
	})
}

// Upsert inserts or refreshes a peer keyed by ID. An existing peer's address
// is updated in place; it is never treated as a new entity. LastSeen is
// stamped on every call.
func (r *Registry) Upsert(peer Peer) {
	if peer.ID == "" {
		return
	}

	r.mu.Lock()
	peer.LastSeen = r.opts.now()
	existing, known := r.peers[peer.ID]
	changed := !known || !existing.sameEndpoint(peer)
	r.peers[peer.ID] = peer
	if !known {
		r.order = append(r.order, peer.ID)
	}
	r.mu.Unlock()

	if changed {
		r.opts.Logger.Debug().
			Str("peer_id", peer.ID).
			Str("peer_name", peer.Name).
			Str("addr", peer.Addr()).
			Bool("new", !known).
			Msg("peer upserted")
		r.publishChange()
	}
}

// Evict removes a peer by ID. Returns whether the peer existed.
func (r *Registry) Evict(id string) bool {
	r.mu.Lock()
	_, known := r.peers[id]
	if known {
		delete(r.peers, id)
		r.removeFromOrder(id)
	}
	r.mu.Unlock()

	if known {
		r.opts.Logger.Debug().Str("peer_id", id).Msg("peer evicted")
		r.publishChange()
	}
	return known
}

// Get returns a peer snapshot by ID.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peer, ok := r.peers[id]
	return peer, ok
}

// List returns a snapshot of current peers in insertion order.
func (r *Registry) List() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Peer, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.peers[id])
	}
	return out
}

// Sweep evicts every peer unseen for longer than the liveness window.
func (r *Registry) Sweep(now time.Time) {
	var evicted []string

	r.mu.Lock()
	for id, peer := range r.peers {
		if now.Sub(peer.LastSeen) > r.opts.LivenessWindow {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		delete(r.peers, id)
		r.removeFromOrder(id)
	}
	r.mu.Unlock()

	if len(evicted) > 0 {
		r.opts.Logger.Debug().Strs("peer_ids", evicted).Msg("stale peers evicted")
		r.publishChange()
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(r.opts.now())
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Registry) removeFromOrder(id string) {
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *Registry) publishChange() {
	if r.opts.Bus != nil {
		r.opts.Bus.Publish(events.TopicPeersUpdated, nil)
	}
}
