package discovery

import (
	"testing"
	"time"

	"notesync/events"
)

func TestUpsertKeysByIDAndUpdatesEndpointInPlace(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})

	registry.Upsert(Peer{ID: "peer-1", Name: "Alice", IP: "10.0.0.2", Port: 9000})
	registry.Upsert(Peer{ID: "peer-2", Name: "Bob", IP: "10.0.0.3", Port: 9001})
	// Same device re-announces from a new address.
	registry.Upsert(Peer{ID: "peer-1", Name: "Alice", IP: "10.0.0.8", Port: 9005})

	peers := registry.List()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].ID != "peer-1" || peers[1].ID != "peer-2" {
		t.Fatalf("expected insertion order preserved, got %q then %q", peers[0].ID, peers[1].ID)
	}
	if peers[0].IP != "10.0.0.8" || peers[0].Port != 9005 {
		t.Fatalf("expected most recent announcement to win, got %s:%d", peers[0].IP, peers[0].Port)
	}
}

func TestUpsertIgnoresEmptyID(t *testing.T) {
	registry := NewRegistry(RegistryOptions{})
	registry.Upsert(Peer{Name: "Nameless", IP: "10.0.0.2", Port: 9000})
	if got := registry.List(); len(got) != 0 {
		t.Fatalf("expected empty registry, got %d peers", len(got))
	}
}

func TestSweepEvictsStalePeers(t *testing.T) {
	now := time.Now()
	clock := now
	registry := NewRegistry(RegistryOptions{
		LivenessWindow: 30 * time.Second,
		now:            func() time.Time { return clock },
	})

	registry.Upsert(Peer{ID: "stale", Name: "Old", IP: "10.0.0.2", Port: 9000})
	clock = now.Add(25 * time.Second)
	registry.Upsert(Peer{ID: "fresh", Name: "New", IP: "10.0.0.3", Port: 9001})

	registry.Sweep(now.Add(40 * time.Second))

	peers := registry.List()
	if len(peers) != 1 || peers[0].ID != "fresh" {
		t.Fatalf("expected only the fresh peer to survive, got %+v", peers)
	}
	if _, ok := registry.Get("stale"); ok {
		t.Fatalf("expected stale peer evicted")
	}
}

func TestRegistryPublishesPeersUpdated(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.TopicPeersUpdated)

	registry := NewRegistry(RegistryOptions{Bus: bus})

	registry.Upsert(Peer{ID: "peer-1", Name: "Alice", IP: "10.0.0.2", Port: 9000})
	expectEvent(t, sub, "first upsert")

	// Refresh with the same endpoint must not publish.
	registry.Upsert(Peer{ID: "peer-1", Name: "Alice", IP: "10.0.0.2", Port: 9000})
	select {
	case <-sub.C():
		t.Fatalf("unchanged refresh must not publish peers-updated")
	default:
	}

	registry.Upsert(Peer{ID: "peer-1", Name: "Alice", IP: "10.0.0.9", Port: 9000})
	expectEvent(t, sub, "endpoint change")

	if !registry.Evict("peer-1") {
		t.Fatalf("expected eviction of known peer")
	}
	expectEvent(t, sub, "evict")

	if registry.Evict("peer-1") {
		t.Fatalf("expected second eviction to report unknown peer")
	}
}

func TestSweepLoopRunsInBackground(t *testing.T) {
	registry := NewRegistry(RegistryOptions{
		LivenessWindow: 20 * time.Millisecond,
		SweepInterval:  10 * time.Millisecond,
	})
	registry.Start()
	defer registry.Stop()

	registry.Upsert(Peer{ID: "peer-1", Name: "Alice", IP: "10.0.0.2", Port: 9000})

	waitForCondition(t, time.Second, func() bool {
		return len(registry.List()) == 0
	})
}

func expectEvent(t *testing.T, sub *events.Subscription, context string) {
	t.Helper()
	select {
	case <-sub.C():
	case <-time.After(time.Second):
		t.Fatalf("expected peers-updated event after %s", context)
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
