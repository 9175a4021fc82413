package speech

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-coach/internal/bus/bustest"
	"github.com/loqalabs/loqa-coach/internal/protocol"
)

func TestBusRecognizerFiltersSession(t *testing.T) {
	client := bustest.Connect(t)
	rec := NewBusRecognizer(client, "s1", true, testLogger())

	events := make(chan Event, 8)
	if err := rec.Start(context.Background(), func(ev Event) { events <- ev }); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rec.Stop()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	publish := func(subject string, tr protocol.Transcript) {
		if err := client.PublishJSON(subject, tr); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "other", Text: "not mine"})
	publish(protocol.SubjectTranscriptPartial, protocol.Transcript{SessionID: "s1", Text: "um so", Partial: true})
	publish(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "s1", Text: "um so I think", Confidence: 0.7})
	publish(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "s1", NoSpeech: true})
	publish(protocol.SubjectTranscriptFinal, protocol.Transcript{SessionID: "s1", Error: "model crashed"})

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 4 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("expected 4 events, got %d", len(got))
		}
	}

	var partials, finals, noSpeech, failures int
	for _, ev := range got {
		switch {
		case ev.Err != nil && errors.Is(ev.Err, ErrNoSpeech):
			noSpeech++
		case ev.Err != nil:
			failures++
		case ev.Result.Final:
			finals++
			if ev.Result.Confidence != 0.7 {
				t.Fatalf("unexpected confidence %f", ev.Result.Confidence)
			}
		default:
			partials++
		}
	}
	if partials != 1 || finals != 1 || noSpeech != 1 || failures != 1 {
		t.Fatalf("unexpected events: partial=%d final=%d no-speech=%d failures=%d", partials, finals, noSpeech, failures)
	}
}

func TestBusRecognizerWithoutBusIsUnsupported(t *testing.T) {
	rec := NewBusRecognizer(nil, "s1", false, testLogger())
	if err := rec.Start(context.Background(), func(Event) {}); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}
