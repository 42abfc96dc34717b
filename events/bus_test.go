package events

import "testing"

func TestPublishReachesMatchingSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	peersOnly := bus.Subscribe(TopicPeersUpdated)
	all := bus.Subscribe()

	bus.Publish(TopicPeersUpdated, nil)
	bus.Publish(TopicSyncResponse, "payload")

	event := <-peersOnly.C()
	if event.Topic != TopicPeersUpdated {
		t.Fatalf("unexpected topic %q", event.Topic)
	}
	select {
	case extra := <-peersOnly.C():
		t.Fatalf("topic filter leaked event %q", extra.Topic)
	default:
	}

	first := <-all.C()
	second := <-all.C()
	if first.Topic != TopicPeersUpdated || second.Topic != TopicSyncResponse {
		t.Fatalf("unexpected delivery order: %q then %q", first.Topic, second.Topic)
	}
	if second.Payload != "payload" {
		t.Fatalf("unexpected payload: %v", second.Payload)
	}
}

func TestLateSubscriberDoesNotReplay(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Publish(TopicNotesUpdated, nil)

	sub := bus.Subscribe(TopicNotesUpdated)
	select {
	case event := <-sub.C():
		t.Fatalf("late subscriber received replayed event %q", event.Topic)
	default:
	}
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(TopicSyncNotification)
	for i := 0; i < DefaultSubscriptionBuffer+10; i++ {
		bus.Publish(TopicSyncNotification, i)
	}

	count := 0
	for {
		select {
		case <-sub.C():
			count++
			continue
		default:
		}
		break
	}
	if count != DefaultSubscriptionBuffer {
		t.Fatalf("expected %d buffered events, got %d", DefaultSubscriptionBuffer, count)
	}
}

func TestCloseTearsDownSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()

	bus.Close()

	if _, open := <-sub.C(); open {
		t.Fatalf("expected subscriber channel closed")
	}
	if got := bus.Subscribe(); got != nil {
		t.Fatalf("expected Subscribe after Close to return nil")
	}
	// Publish after close must not panic.
	bus.Publish(TopicPeersUpdated, nil)
}

func TestSubscriptionCloseIsIdempotentWithBusClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(TopicPeersUpdated)

	sub.Close()
	sub.Close()
	bus.Close()

	bus.Publish(TopicPeersUpdated, nil)
}
