// Package ticker runs the two periodic background tasks that drive AI
// output independently of the transcription pipeline: an insight generator
// and a suggested-question rotator. Both tick on their own interval, skip
// ticks that would waste a call on unchanged content, and support
// pause/resume tied to session recording state.
package ticker

import (
	"context"
	"sync"
	"time"

	"github.com/aaronsb/livetranscripts/internal/ai"
	"github.com/aaronsb/livetranscripts/internal/contextmgr"
	"github.com/aaronsb/livetranscripts/internal/transcript"
	"github.com/aaronsb/livetranscripts/pkg/logger"
)

// InsightTicker fires every interval and calls GenerateInsights, skipping
// ticks where the transcript version hasn't advanced since the last
// successful call.
type InsightTicker struct {
	interval time.Duration
	provider ai.ChatProvider
	cfg      contextmgr.Config
	tr       *transcript.Transcript
	log      *logger.Logger

	onInsights func([]contextmgr.Insight)
	focus      func() string

	mu          sync.Mutex
	paused      bool
	lastVersion int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInsightTicker creates an InsightTicker. focus is called fresh on every
// tick so callers can rotate the session's SessionFocus concurrently.
func NewInsightTicker(interval time.Duration, provider ai.ChatProvider, cfg contextmgr.Config, tr *transcript.Transcript, focus func() string, onInsights func([]contextmgr.Insight), log *logger.Logger) *InsightTicker {
	return &InsightTicker{
		interval:   interval,
		provider:   provider,
		cfg:        cfg,
		tr:         tr,
		focus:      focus,
		onInsights: onInsights,
		log:        log.Named("insight-ticker"),
		done:       make(chan struct{}),
	}
}

// Start begins the periodic loop; call Stop to tear it down.
func (t *InsightTicker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (t *InsightTicker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done
}

// Pause suspends ticks without resetting the interval; Resume continues it.
func (t *InsightTicker) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
}

// Resume clears a pause set by Pause.
func (t *InsightTicker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
}

func (t *InsightTicker) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *InsightTicker) tick(ctx context.Context) {
	t.mu.Lock()
	paused := t.paused
	last := t.lastVersion
	t.mu.Unlock()
	if paused {
		return
	}

	snap := t.tr.Snapshot()
	if snap.Version == last {
		return
	}

	focus := ""
	if t.focus != nil {
		focus = t.focus()
	}

	insights, err := contextmgr.GenerateInsights(ctx, t.provider, t.cfg, snap, focus)
	if err != nil {
		t.log.Warn("insight generation failed, will retry next tick", logger.Error(err))
		return
	}

	t.mu.Lock()
	t.lastVersion = snap.Version
	t.mu.Unlock()

	if t.onInsights != nil {
		t.onInsights(insights)
	}
}

// DynamicQuestionTicker fires every interval and regenerates one rotating
// slot of the suggested-questions list, skipping ticks over an empty
// transcript.
type DynamicQuestionTicker struct {
	interval time.Duration
	provider ai.ChatProvider
	cfg      contextmgr.Config
	tr       *transcript.Transcript
	rotator  *contextmgr.QuestionRotator
	log      *logger.Logger

	onQuestions func(questions []string, rotatedIndex int)
	focus       func() string

	mu     sync.Mutex
	paused bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDynamicQuestionTicker creates a DynamicQuestionTicker over k rotating
// slots.
func NewDynamicQuestionTicker(interval time.Duration, k int, provider ai.ChatProvider, cfg contextmgr.Config, tr *transcript.Transcript, focus func() string, onQuestions func([]string, int), log *logger.Logger) *DynamicQuestionTicker {
	return &DynamicQuestionTicker{
		interval:    interval,
		provider:    provider,
		cfg:         cfg,
		tr:          tr,
		rotator:     contextmgr.NewQuestionRotator(k),
		focus:       focus,
		onQuestions: onQuestions,
		log:         log.Named("question-ticker"),
		done:        make(chan struct{}),
	}
}

// Questions returns the current suggested-question list without waiting for
// a tick.
func (t *DynamicQuestionTicker) Questions() []string {
	return t.rotator.Questions()
}

// Start begins the periodic loop.
func (t *DynamicQuestionTicker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(ctx)
}

// Stop cancels the loop and waits for it to exit.
func (t *DynamicQuestionTicker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done
}

// Pause suspends ticks.
func (t *DynamicQuestionTicker) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
}

// Resume clears a pause set by Pause.
func (t *DynamicQuestionTicker) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
}

func (t *DynamicQuestionTicker) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *DynamicQuestionTicker) tick(ctx context.Context) {
	t.mu.Lock()
	paused := t.paused
	t.mu.Unlock()
	if paused {
		return
	}

	snap := t.tr.Snapshot()
	if snap.Text == "" {
		return
	}

	focus := ""
	if t.focus != nil {
		focus = t.focus()
	}

	questions, idx, err := t.rotator.Tick(ctx, t.provider, t.cfg, snap, focus)
	if err != nil {
		t.log.Warn("question rotation failed, will retry next tick", logger.Error(err))
		return
	}

	if t.onQuestions != nil {
		t.onQuestions(questions, idx)
	}
}
