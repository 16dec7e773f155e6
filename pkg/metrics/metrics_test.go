package metrics

import "testing"

func TestSamplingObserver(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.25)
	for i := 0; i < 100; i++ {
		Emit(s, EventMouthLevel, nil, nil)
	}
	if got := mem.Count(EventMouthLevel); got != 25 {
		t.Fatalf("expected 25 sampled events, got %d", got)
	}

	none := NewMemoryObserver()
	NewSamplingObserver(none, 0).RecordEvent(MetricsEvent{Name: "x"})
	if len(none.Events()) != 0 {
		t.Fatalf("rate 0 must drop everything")
	}
}

func TestAsyncObserverDeliversBeforeClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16)
	Emit(a, EventSynthRequest, UtteranceTags("u1"), nil)
	Emit(a, EventSynthDone, UtteranceTags("u1"), nil)
	a.Close()

	names := mem.Names()
	if len(names) != 2 || names[0] != EventSynthRequest || names[1] != EventSynthDone {
		t.Fatalf("unexpected events %v", names)
	}
	Emit(a, EventSynthDone, nil, nil)
	if len(mem.Events()) != 2 {
		t.Fatalf("events after close must be ignored")
	}
}

func TestEmitNilObserver(t *testing.T) {
	Emit(nil, EventGesture, nil, nil)
}
