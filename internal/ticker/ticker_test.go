package ticker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aaronsb/livetranscripts/internal/ai"
	"github.com/aaronsb/livetranscripts/internal/contextmgr"
	"github.com/aaronsb/livetranscripts/internal/transcript"
	"github.com/aaronsb/livetranscripts/pkg/logger"
)

type countingChatProvider struct {
	mu    sync.Mutex
	calls int
	resp  string
}

func (c *countingChatProvider) ChatCompletion(ctx context.Context, messages []ai.ChatMessage, config ai.ChatConfig) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.resp, nil
}

func (c *countingChatProvider) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestInsightTickerSkipsWhenVersionUnchanged(t *testing.T) {
	tr := transcript.New()
	tr.Append(transcript.Transcription{BatchSeq: 0, Text: "hello"})

	provider := &countingChatProvider{resp: "Team is aligned."}
	var received [][]contextmgr.Insight
	var mu sync.Mutex

	ticker := NewInsightTicker(10*time.Millisecond, provider, contextmgr.Config{}, tr, func() string { return "" },
		func(ins []contextmgr.Insight) {
			mu.Lock()
			received = append(received, ins)
			mu.Unlock()
		}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	ticker.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	ticker.Stop()
	cancel()

	if provider.callCount() != 1 {
		t.Errorf("provider called %d times, want exactly 1 (version never advanced past first tick)", provider.callCount())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Errorf("got %d insight batches, want 1", len(received))
	}
}

func TestInsightTickerPauseStopsTicks(t *testing.T) {
	tr := transcript.New()
	tr.Append(transcript.Transcription{BatchSeq: 0, Text: "hello"})
	provider := &countingChatProvider{resp: "ok"}

	ticker := NewInsightTicker(10*time.Millisecond, provider, contextmgr.Config{}, tr, func() string { return "" }, nil, logger.NewNop())
	ticker.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	ticker.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	ticker.Stop()
	cancel()

	if provider.callCount() != 0 {
		t.Errorf("paused ticker made %d calls, want 0", provider.callCount())
	}
}

func TestDynamicQuestionTickerSkipsOnEmptyTranscript(t *testing.T) {
	tr := transcript.New()
	provider := &countingChatProvider{resp: "What's next?"}

	ticker := NewDynamicQuestionTicker(10*time.Millisecond, 4, provider, contextmgr.Config{}, tr, func() string { return "" }, nil, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	ticker.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	ticker.Stop()
	cancel()

	if provider.callCount() != 0 {
		t.Errorf("ticker called provider %d times over an empty transcript, want 0", provider.callCount())
	}
}

func TestDynamicQuestionTickerRotatesOnNonEmptyTranscript(t *testing.T) {
	tr := transcript.New()
	tr.Append(transcript.Transcription{BatchSeq: 0, Text: "plenty of words here"})
	provider := &countingChatProvider{resp: "What is the rollout timeline?"}

	var gotIdx int
	var mu sync.Mutex
	ticker := NewDynamicQuestionTicker(10*time.Millisecond, 4, provider, contextmgr.Config{}, tr, func() string { return "" },
		func(questions []string, idx int) {
			mu.Lock()
			gotIdx = idx
			mu.Unlock()
		}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	ticker.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	ticker.Stop()
	cancel()

	if provider.callCount() < 1 {
		t.Fatalf("provider never called")
	}
	mu.Lock()
	defer mu.Unlock()
	if gotIdx < 0 {
		t.Errorf("rotated index = %d, want >= 0 on non-empty transcript", gotIdx)
	}
}
