package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aaronsb/livetranscripts/internal/ai"
	"github.com/aaronsb/livetranscripts/internal/transcript"
	"github.com/aaronsb/livetranscripts/pkg/logger"
)

type stubProvider struct {
	mu        sync.Mutex
	calls     int
	failTimes int
	delay     time.Duration
	text      string
	err       error
}

func (s *stubProvider) Transcribe(ctx context.Context, audio []byte, sampleRate, channels int) (ai.TranscriptionResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return ai.TranscriptionResult{}, &ai.ProviderError{Class: ai.ErrTimeout, Err: ctx.Err()}
		case <-time.After(s.delay):
		}
	}

	if call <= s.failTimes {
		if s.err != nil {
			return ai.TranscriptionResult{}, s.err
		}
		return ai.TranscriptionResult{}, &ai.ProviderError{Class: ai.ErrServer, Err: fmt.Errorf("boom")}
	}
	return ai.TranscriptionResult{Text: s.text, Confidence: 1.0}, nil
}

func testDispatcherConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.APITimeout = 2 * time.Second
	return cfg
}

func utterance(seq int64) transcript.Utterance {
	return transcript.Utterance{BatchSeq: seq, Samples: make([]int16, 100), SampleRate: 16000}
}

func TestSuccessfulTranscriptionAppendsToTranscript(t *testing.T) {
	tr := transcript.New()
	primary := Model{ID: "whisper-1", Provider: &stubProvider{text: "hello"}}
	d := New(testDispatcherConfig(), primary, nil, tr, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	d.In <- utterance(0)

	waitForVersion(t, tr, 1)
	snap := tr.Snapshot()
	if snap.Text != "hello" {
		t.Fatalf("text = %q, want hello", snap.Text)
	}
	d.Stop()
}

func TestRetriesThenSucceedsOnPrimary(t *testing.T) {
	tr := transcript.New()
	primary := Model{ID: "whisper-1", Provider: &stubProvider{failTimes: 2, text: "ok"}}
	cfg := testDispatcherConfig()
	d := New(cfg, primary, nil, tr, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	d.In <- utterance(0)

	waitForVersion(t, tr, 1)
	stats := d.Stats()["whisper-1"]
	if stats.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", stats.Attempts)
	}
	if stats.Successes != 1 {
		t.Errorf("successes = %d, want 1", stats.Successes)
	}
	d.Stop()
}

func TestFallbackUsedAfterPrimaryExhausted(t *testing.T) {
	tr := transcript.New()
	cfg := testDispatcherConfig()
	cfg.MaxRetries = 2
	primary := Model{ID: "primary", Provider: &stubProvider{failTimes: 99}}
	fallback := Model{ID: "whisper-1", Provider: &stubProvider{text: "hello"}}
	d := New(cfg, primary, []Model{fallback}, tr, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	d.In <- utterance(0)

	waitForVersion(t, tr, 1)
	snap := tr.Snapshot()
	if len(snap.Transcriptions) != 1 || snap.Transcriptions[0].ModelUsed != "whisper-1" {
		t.Fatalf("transcription = %+v, want model_used=whisper-1", snap.Transcriptions)
	}
	stats := d.Stats()
	if stats["primary"].Failures != int64(cfg.MaxRetries) {
		t.Errorf("primary failures = %d, want %d", stats["primary"].Failures, cfg.MaxRetries)
	}
	d.Stop()
}

func TestOrderedAppendUnderParallelism(t *testing.T) {
	tr := transcript.New()
	cfg := testDispatcherConfig()
	cfg.Parallelism = 2

	// Two workers race on same-latency calls, so completion order between
	// batch_seq 0 and 1 is not guaranteed; the reorder buffer must still
	// land the append in strict batch_seq order.
	slow := &stubProvider{text: "slow", delay: 20 * time.Millisecond}
	d := New(cfg, Model{ID: "m", Provider: slow}, nil, tr, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.In <- utterance(0)
	d.In <- utterance(1)

	waitForVersion(t, tr, 2)
	snap := tr.Snapshot()
	if len(snap.Transcriptions) != 2 {
		t.Fatalf("got %d transcriptions, want 2", len(snap.Transcriptions))
	}
	if snap.Transcriptions[0].BatchSeq != 0 || snap.Transcriptions[1].BatchSeq != 1 {
		t.Errorf("transcriptions out of order: %+v", snap.Transcriptions)
	}
	d.Stop()
}

func waitForVersion(t *testing.T, tr *transcript.Transcript, v int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if tr.Version() >= v {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for transcript version >= %d (have %d)", v, tr.Version())
}
