package bus

import (
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingTopic(t *testing.T) {
	b := New(4)
	ch := b.Subscribe(TopicRunStarted)

	b.Publish(TopicRunStarted, "run-1")
	b.Publish(TopicRunCompleted, "run-1")

	select {
	case ev := <-ch:
		if ev.Topic != TopicRunStarted || ev.Payload != "run-1" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-ch:
		t.Errorf("unexpected second event: %+v", ev)
	default:
	}
}

func TestSubscribeAllTopics(t *testing.T) {
	b := New(4)
	ch := b.Subscribe()

	b.Publish(TopicChannelStatus, nil)
	b.Publish(TopicApprovalRequired, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestPublishDoesNotBlockOnFullBuffer(t *testing.T) {
	b := New(1)
	_ = b.Subscribe(TopicRunError)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(TopicRunError, i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if b.Dropped() == 0 {
		t.Error("expected dropped events with buffer size 1")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(4)
	ch := b.Subscribe(TopicMCPStatus)
	b.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(TopicMCPStatus, nil)
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := New(4)
	a := b.Subscribe(TopicSkillInstalled)
	c := b.Subscribe(TopicSkillInstalled)

	b.Publish(TopicSkillInstalled, "weather")

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Payload != "weather" {
				t.Errorf("payload = %v", ev.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}
