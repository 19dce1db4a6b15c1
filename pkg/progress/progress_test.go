package progress

import (
	"encoding/json"
	"testing"
)

func TestBeginPreservesExplicitZeroValues(t *testing.T) {
	v := NewBegin("Indexing", WithPercentage(0), WithCancellable(false))
	if v.Percentage == nil || *v.Percentage != 0 {
		t.Fatalf("expected percentage 0 to be preserved, got %v", v.Percentage)
	}
	if v.Cancellable == nil || *v.Cancellable != false {
		t.Fatalf("expected cancellable=false to be preserved, got %v", v.Cancellable)
	}

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var roundTrip map[string]interface{}
	if err := json.Unmarshal(data, &roundTrip); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := roundTrip["percentage"]; !ok {
		t.Fatalf("expected percentage key present in %s", data)
	}
}

func TestManagerDispatchesToSubscribedToken(t *testing.T) {
	m := NewManager()
	var got json.RawMessage
	unsub := m.Subscribe("p1", func(v json.RawMessage) { got = v })
	defer unsub()

	if !m.Dispatch("p1", json.RawMessage(`"first"`)) {
		t.Fatalf("expected dispatch to find subscriber")
	}
	if string(got) != `"first"` {
		t.Fatalf("got %s", got)
	}
}

func TestManagerIgnoresUnsubscribedToken(t *testing.T) {
	m := NewManager()
	if m.Dispatch("nope", json.RawMessage(`1`)) {
		t.Fatalf("expected no subscriber to be found")
	}
}

func TestCollectorOrderingAndCompletion(t *testing.T) {
	var received []string
	c := NewCollector(func(v json.RawMessage) { received = append(received, string(v)) })

	c.Append(json.RawMessage(`"first"`))
	c.Append(json.RawMessage(`"second"`))
	c.Complete(json.RawMessage(`["final"]`))

	outcome := c.Wait()
	if outcome.Kind != OutcomeFinal {
		t.Fatalf("expected OutcomeFinal, got %v", outcome.Kind)
	}
	if len(outcome.Partials) != 2 || string(outcome.Partials[0]) != `"first"` || string(outcome.Partials[1]) != `"second"` {
		t.Fatalf("unexpected partials order: %v", outcome.Partials)
	}
	if string(outcome.FinalResult) != `["final"]` {
		t.Fatalf("got %s", outcome.FinalResult)
	}
	if len(received) != 2 {
		t.Fatalf("expected 2 callback invocations, got %d", len(received))
	}
}

func TestCollectorDropsLatePartials(t *testing.T) {
	c := NewCollector(nil)
	c.Append(json.RawMessage(`1`))
	c.Cancel()
	c.Append(json.RawMessage(`2`)) // after termination, must be dropped

	outcome := c.Wait()
	if outcome.Kind != OutcomeCancelled {
		t.Fatalf("expected OutcomeCancelled, got %v", outcome.Kind)
	}
	if len(outcome.Partials) != 1 {
		t.Fatalf("expected only the pre-cancel partial, got %v", outcome.Partials)
	}
}

func TestCollectorFailKeepsDeliveredPartials(t *testing.T) {
	var received int
	c := NewCollector(func(json.RawMessage) { received++ })
	c.Append(json.RawMessage(`1`))
	c.Fail(errFake{})

	outcome := c.Wait()
	if outcome.Kind != OutcomeError {
		t.Fatalf("expected OutcomeError")
	}
	if received != 1 {
		t.Fatalf("expected the delivered partial callback to stand, got %d calls", received)
	}
}

type errFake struct{}

func (errFake) Error() string { return "fake" }
