package status

import "testing"

func TestPublishDropsOldestWhenFull(t *testing.T) {
	ch := NewChannel(2)
	ch.Publish(Event{Intent: IntentHandshakeStarted})
	ch.Publish(Event{Intent: IntentEstablished})
	ch.Publish(Event{Intent: IntentClosed})

	first := <-ch.Events()
	second := <-ch.Events()
	if first.Intent != IntentEstablished {
		t.Fatalf("expected the oldest event to have been dropped, got %s first", first.Intent)
	}
	if second.Intent != IntentClosed {
		t.Fatalf("got %s want %s", second.Intent, IntentClosed)
	}
}

func TestIntentStringCoversAllValues(t *testing.T) {
	intents := []Intent{
		IntentHandshakeStarted, IntentHandshakeCompleted, IntentEstablished,
		IntentDHRatchet, IntentReplayRejected, IntentFaulted, IntentClosed,
	}
	for _, i := range intents {
		if i.String() == "Unknown" {
			t.Fatalf("intent %d stringified as Unknown", i)
		}
	}
}
