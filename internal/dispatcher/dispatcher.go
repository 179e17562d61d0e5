// Package dispatcher consumes batched Utterances and produces Transcriptions,
// applying a primary-model/fallback-chain retry policy with exponential
// backoff, and preserving batch_seq order across parallel workers via a
// small reorder buffer.
package dispatcher

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/aaronsb/livetranscripts/internal/ai"
	"github.com/aaronsb/livetranscripts/internal/transcript"
	"github.com/aaronsb/livetranscripts/pkg/logger"
)

// ModelStats tracks per-model attempt/success/failure counters, exposed over
// the stats HTTP surface.
type ModelStats struct {
	Attempts int64
	Successes int64
	Failures  int64
	Timeouts  int64
}

// Model pairs a configured model id with the provider that serves it.
type Model struct {
	ID       string
	Provider ai.TranscriptionProvider
}

// Config holds the dispatcher's retry and parallelism policy.
type Config struct {
	Parallelism int
	MaxRetries  int
	RetryDelay  time.Duration
	APITimeout  time.Duration
	SampleRate  int
	Channels    int
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Parallelism: 1,
		MaxRetries:  3,
		RetryDelay:  time.Second,
		APITimeout:  30 * time.Second,
		SampleRate:  16000,
		Channels:    1,
	}
}

// Dispatcher pulls Utterances off In, attempts transcription against the
// primary model then the fallback chain, and appends results to the shared
// Transcript in strict batch_seq order.
type Dispatcher struct {
	cfg     Config
	primary Model
	fallback []Model
	log     *logger.Logger
	out     *transcript.Transcript

	In chan transcript.Utterance

	mu        sync.Mutex
	stats     map[string]*ModelStats
	reorderMu sync.Mutex
	pending   map[int64]transcript.Transcription

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Dispatcher. primary is attempted first; fallback is walked
// in order once primary exhausts its retries.
func New(cfg Config, primary Model, fallback []Model, out *transcript.Transcript, log *logger.Logger) *Dispatcher {
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	stats := make(map[string]*ModelStats)
	stats[primary.ID] = &ModelStats{}
	for _, m := range fallback {
		stats[m.ID] = &ModelStats{}
	}
	return &Dispatcher{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		log:      log.Named("dispatcher"),
		out:      out,
		In:       make(chan transcript.Utterance, cfg.Parallelism*2),
		stats:    stats,
		pending:  make(map[int64]transcript.Transcription),
	}
}

// Start launches cfg.Parallelism worker goroutines consuming In.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	for i := 0; i < d.cfg.Parallelism; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop cancels all workers and waits for them to drain.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Stats returns a snapshot of per-model counters.
func (d *Dispatcher) Stats() map[string]ModelStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]ModelStats, len(d.stats))
	for k, v := range d.stats {
		out[k] = *v
	}
	return out
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-d.In:
			if !ok {
				return
			}
			t := d.transcribeWithFallback(ctx, u)
			d.commitInOrder(t)
		}
	}
}

// transcribeWithFallback tries the primary model with retry/backoff, then
// each fallback model in turn with the same policy. It never returns an
// error; an exhausted chain produces a Transcription with Error set.
func (d *Dispatcher) transcribeWithFallback(ctx context.Context, u transcript.Utterance) transcript.Transcription {
	models := append([]Model{d.primary}, d.fallback...)
	pcm := ai.Int16ToPCMBytes(u.Samples)

	var lastErr error
	for _, m := range models {
		result, latency, err := d.attemptWithRetry(ctx, m, pcm, u)
		if err == nil {
			d.recordSuccess(m.ID)
			return transcript.Transcription{
				BatchSeq:   u.BatchSeq,
				Text:       result.Text,
				ModelUsed:  m.ID,
				Latency:    latency,
				Confidence: result.Confidence,
				Timestamp:  time.Now().UTC(),
			}
		}
		lastErr = err
		d.log.Warn("model exhausted retries, falling back",
			logger.String("model", m.ID), logger.Int64("batch_seq", u.BatchSeq), logger.Error(err))
	}

	msg := "transcription failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return transcript.Transcription{
		BatchSeq:  u.BatchSeq,
		ModelUsed: models[len(models)-1].ID,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	}
}

// attemptWithRetry runs one model's retry policy: up to MaxRetries attempts
// with exponential backoff and jitter, honoring any provider-supplied
// retry-after on rate limit.
func (d *Dispatcher) attemptWithRetry(ctx context.Context, m Model, pcm []byte, u transcript.Utterance) (ai.TranscriptionResult, time.Duration, error) {
	var lastErr error
	for k := 0; k < d.cfg.MaxRetries; k++ {
		d.recordAttempt(m.ID)

		callCtx, cancel := context.WithTimeout(ctx, d.cfg.APITimeout)
		start := time.Now()
		result, err := m.Provider.Transcribe(callCtx, pcm, d.cfg.SampleRate, d.cfg.Channels)
		latency := time.Since(start)
		cancel()

		if err == nil {
			return result, latency, nil
		}
		lastErr = err
		d.recordFailure(m.ID)

		pe, isProviderErr := ai.AsProviderError(err)
		if pe != nil && pe.Class == ai.ErrTimeout {
			d.recordTimeout(m.ID)
		}
		if !isProviderErr || !pe.IsTransient() {
			return ai.TranscriptionResult{}, latency, err
		}

		if k == d.cfg.MaxRetries-1 {
			break
		}

		delay := d.backoffDelay(k)
		if pe.RetryAfter > 0 {
			delay = pe.RetryAfter
		}
		select {
		case <-ctx.Done():
			return ai.TranscriptionResult{}, latency, ctx.Err()
		case <-time.After(delay):
		}
	}
	return ai.TranscriptionResult{}, 0, lastErr
}

// backoffDelay computes retry_delay × 2^k plus up to 20% jitter.
func (d *Dispatcher) backoffDelay(k int) time.Duration {
	base := d.cfg.RetryDelay * time.Duration(1<<uint(k))
	jitter := time.Duration(rand.Int63n(int64(base)/5 + 1))
	return base + jitter
}

func (d *Dispatcher) recordAttempt(model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats[model].Attempts++
}

func (d *Dispatcher) recordSuccess(model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats[model].Successes++
}

func (d *Dispatcher) recordFailure(model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats[model].Failures++
}

func (d *Dispatcher) recordTimeout(model string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats[model].Timeouts++
}

// commitInOrder appends t to the shared Transcript, buffering it if its
// predecessor by batch_seq hasn't committed yet.
func (d *Dispatcher) commitInOrder(t transcript.Transcription) {
	d.reorderMu.Lock()
	defer d.reorderMu.Unlock()

	d.pending[t.BatchSeq] = t
	for {
		next := d.out.NextExpectedSeq()
		ready, ok := d.pending[next]
		if !ok {
			return
		}
		delete(d.pending, next)
		d.out.Append(ready)
	}
}
