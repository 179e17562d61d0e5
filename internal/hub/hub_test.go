package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aaronsb/livetranscripts/internal/ai"
	"github.com/aaronsb/livetranscripts/internal/batcher"
	"github.com/aaronsb/livetranscripts/internal/contextmgr"
	"github.com/aaronsb/livetranscripts/internal/dispatcher"
	"github.com/aaronsb/livetranscripts/pkg/logger"
)

type noopProvider struct{}

func (noopProvider) ChatCompletion(ctx context.Context, messages []ai.ChatMessage, config ai.ChatConfig) (string, error) {
	return "answer", nil
}

func (noopProvider) Transcribe(ctx context.Context, audio []byte, sampleRate, channels int) (ai.TranscriptionResult, error) {
	return ai.TranscriptionResult{Text: "hi"}, nil
}

func testHubConfig() Config {
	return Config{
		Batcher:             batcher.Config{SampleRate: 16000, FrameSize: 320, MinBatchDuration: 0.02, MaxBatchDuration: 1, SilenceThreshold: 0.02, Overlap: 0},
		Dispatcher:          dispatcher.Config{Parallelism: 1, MaxRetries: 1, RetryDelay: time.Millisecond, APITimeout: time.Second, SampleRate: 16000, Channels: 1},
		ContextMgr:          contextmgr.Config{},
		InsightInterval:     time.Hour,
		QuestionInterval:    time.Hour,
		NumDynamicQuestions: 4,
	}
}

func newTestHub() *Hub {
	p := noopProvider{}
	return New(testHubConfig(), dispatcher.Model{ID: "m", Provider: p}, nil, p, logger.NewNop())
}

func TestSubscribeReceivesInitialStateAndQuestions(t *testing.T) {
	h := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	defer h.Stop()

	sub := h.Subscribe("client-1")
	defer h.Unsubscribe(sub)

	e1 := <-sub.Send
	if e1.Type != EvtState {
		t.Fatalf("first event type = %q, want state", e1.Type)
	}
	e2 := <-sub.Send
	if e2.Type != EvtSuggestedQuestions {
		t.Fatalf("second event type = %q, want suggested_questions", e2.Type)
	}
}

func TestPingPongRoundTrip(t *testing.T) {
	h := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	defer h.Stop()

	sub := h.Subscribe("client-1")
	defer h.Unsubscribe(sub)
	drain(sub, 2)

	h.Handle(sub, []byte(`{"type":"ping"}`))
	e := <-sub.Send
	if e.Type != EvtPong {
		t.Fatalf("got %q, want pong", e.Type)
	}
}

func TestStartCommandTransitionsToRecording(t *testing.T) {
	h := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	defer h.Stop()

	sub := h.Subscribe("client-1")
	defer h.Unsubscribe(sub)
	drain(sub, 2)

	h.Handle(sub, []byte(`{"type":"start"}`))
	waitForEventType(t, sub, EvtState)

	if h.Snapshot().Recording != "RECORDING" {
		t.Fatalf("recording = %v, want RECORDING", h.Snapshot().Recording)
	}
}

func TestQuestionCommandProducesAnswer(t *testing.T) {
	h := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)
	defer h.Stop()

	sub := h.Subscribe("client-1")
	defer h.Unsubscribe(sub)
	drain(sub, 2)

	raw, _ := json.Marshal(Command{Type: CmdQuestion, Question: "what happened?", RequestID: "req-1"})
	h.Handle(sub, raw)

	e := waitForEventType(t, sub, EvtAnswer)
	if e.RequestID != "req-1" || e.Answer != "answer" {
		t.Fatalf("answer event = %+v", e)
	}
}

func TestSubscriberBackpressureDropsOldestNonTranscription(t *testing.T) {
	sub := &Subscriber{notify: make(chan struct{}, 1), Send: make(chan Event, subscriberQueueSize)}
	// Fill the internal queue directly (bypassing the pump goroutine) to
	// exercise enqueue's eviction policy in isolation.
	sub.queue = make([]Event, subscriberQueueSize)
	for i := range sub.queue {
		sub.queue[i] = Event{Type: EvtState}
	}

	sub.enqueue(Event{Type: EvtInsight, Text: "newest"})

	if len(sub.queue) != subscriberQueueSize {
		t.Fatalf("queue length = %d, want unchanged at %d", len(sub.queue), subscriberQueueSize)
	}
	if sub.queue[0].Type != EvtState {
		t.Fatalf("oldest entry should have been evicted, not reordered: %+v", sub.queue[0])
	}
	last := sub.queue[len(sub.queue)-1]
	if last.Type != EvtInsight || last.Text != "newest" {
		t.Fatalf("newest event not appended: %+v", last)
	}
}

func TestSubscriberClosesWhenTranscriptionBufferSaturated(t *testing.T) {
	sub := &Subscriber{notify: make(chan struct{}, 1), Send: make(chan Event, subscriberQueueSize)}
	sub.queue = make([]Event, subscriberQueueSize)
	for i := range sub.queue {
		sub.queue[i] = Event{Type: EvtTranscription}
	}

	sub.enqueue(Event{Type: EvtTranscription, Text: "overflow"})

	if !sub.closed || !sub.lagging {
		t.Fatalf("subscriber should be marked lagging and closed on transcription overflow")
	}
}

func drain(sub *Subscriber, n int) {
	for i := 0; i < n; i++ {
		<-sub.Send
	}
}

func waitForEventType(t *testing.T, sub *Subscriber, want string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.Send:
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %q", want)
		}
	}
}
