// Package batcher implements the VAD-driven state machine that converts an
// unbounded PCM stream into transcription-ready Utterances under dual
// duration/silence bounds.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/aaronsb/livetranscripts/internal/transcript"
	"github.com/aaronsb/livetranscripts/internal/vad"
	"github.com/aaronsb/livetranscripts/pkg/logger"
)

// State is the batcher's state machine position.
type State int

const (
	WaitingForVoice State = iota
	Accumulating
	OverlapCarry
	Paused
)

func (s State) String() string {
	switch s {
	case WaitingForVoice:
		return "WAITING_FOR_VOICE"
	case Accumulating:
		return "ACCUMULATING"
	case OverlapCarry:
		return "OVERLAP_CARRY"
	case Paused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// Config controls batching bounds. All durations are seconds.
type Config struct {
	SampleRate       int
	FrameSize        int // samples per VAD frame
	MinBatchDuration float64
	MaxBatchDuration float64
	SilenceThreshold float64
	Overlap          float64
}

func (c Config) minSamples() int  { return int(c.MinBatchDuration * float64(c.SampleRate)) }
func (c Config) maxSamples() int  { return int(c.MaxBatchDuration * float64(c.SampleRate)) }
func (c Config) overlapSamples() int {
	return int(c.Overlap * float64(c.SampleRate))
}
func (c Config) silenceFrames() int {
	if c.FrameSize <= 0 {
		return 1
	}
	frames := int(c.SilenceThreshold * float64(c.SampleRate) / float64(c.FrameSize))
	if frames < 1 {
		frames = 1
	}
	return frames
}

// Batcher reads frames pushed by the caller (typically pulled off an
// AudioRing) and emits Utterances on Out. PushFrame must be called in strict
// capture order, but may run concurrently with Pause/Resume/ResetOnTruncation
// from a control-loop goroutine; mu serializes all of it.
type Batcher struct {
	cfg Config
	det *vad.Detector
	log *logger.Logger
	Out chan transcript.Utterance

	mu                  sync.Mutex
	state               State
	accum               []int16
	utteranceStart      time.Time
	consecutiveUnvoiced int
	overlapCarry        []int16
	nextSeq             int64
	frameStartAt        time.Time // wall-clock time of the most recently pushed frame's start
}

// New creates a Batcher. outQueueDepth sizes the BatchQueue (Out channel).
func New(cfg Config, log *logger.Logger, outQueueDepth int) *Batcher {
	return &Batcher{
		cfg:   cfg,
		det:   vad.NewDetector(vad.DefaultConfig()),
		log:   log.Named("batcher"),
		Out:   make(chan transcript.Utterance, outQueueDepth),
		state: WaitingForVoice,
	}
}

// SetDetector overrides the VAD detector, e.g. with configured thresholds.
func (b *Batcher) SetDetector(d *vad.Detector) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.det = d
}

// PushFrame feeds one VAD-sized frame of samples at wall-clock time ts.
// Blocks (cooperative wait, bounded by blockTimeout) if the BatchQueue is
// full when an emission is due; on timeout it drops the oldest queued
// utterance and proceeds, preserving recency.
func (b *Batcher) PushFrame(ctx context.Context, frame []int16, ts time.Time, blockTimeout time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	voiced := b.det.Classify(frame)

	switch b.state {
	case Paused:
		return

	case WaitingForVoice:
		if voiced {
			b.utteranceStart = ts
			b.accum = append([]int16{}, b.overlapCarry...)
			b.overlapCarry = nil
			b.accum = append(b.accum, frame...)
			b.consecutiveUnvoiced = 0
			b.state = Accumulating
		}
		return

	case OverlapCarry:
		b.utteranceStart = ts.Add(-time.Duration(float64(len(b.overlapCarry)) / float64(b.cfg.SampleRate) * float64(time.Second)))
		b.accum = append([]int16{}, b.overlapCarry...)
		b.overlapCarry = nil
		b.accum = append(b.accum, frame...)
		if voiced {
			b.consecutiveUnvoiced = 0
		} else {
			b.consecutiveUnvoiced = 1
		}
		b.state = Accumulating
		b.maybeForceEmit(ctx, ts, blockTimeout)
		return

	case Accumulating:
		b.accum = append(b.accum, frame...)
		if voiced {
			b.consecutiveUnvoiced = 0
		} else {
			b.consecutiveUnvoiced++
		}

		if len(b.accum) >= b.cfg.maxSamples() {
			b.forceEmit(ctx, ts, blockTimeout)
			return
		}

		if len(b.accum) >= b.cfg.minSamples() && b.consecutiveUnvoiced >= b.cfg.silenceFrames() {
			b.emitOnSilence(ctx, ts, blockTimeout)
			return
		}
	}
}

func (b *Batcher) maybeForceEmit(ctx context.Context, ts time.Time, blockTimeout time.Duration) {
	if len(b.accum) >= b.cfg.maxSamples() {
		b.forceEmit(ctx, ts, blockTimeout)
	}
}

// emitOnSilence trims the trailing silence run back to the start of the
// silence (word-boundary preservation), keeps the last `overlap` seconds of
// the emitted audio as carry-over into the next utterance, and emits.
func (b *Batcher) emitOnSilence(ctx context.Context, ts time.Time, blockTimeout time.Duration) {
	silenceFrameSamples := b.cfg.FrameSize * b.consecutiveUnvoiced
	if silenceFrameSamples > len(b.accum) {
		silenceFrameSamples = len(b.accum)
	}
	emitEnd := len(b.accum) - silenceFrameSamples
	if minN := b.cfg.minSamples(); emitEnd < minN {
		emitEnd = minN
		if emitEnd > len(b.accum) {
			emitEnd = len(b.accum)
		}
	}

	emitted := b.accum[:emitEnd]
	b.carryOverlapFrom(emitted)
	b.emit(ctx, emitted, ts, blockTimeout)

	b.accum = nil
	b.consecutiveUnvoiced = 0
	b.state = OverlapCarry
}

// forceEmit cuts exactly at maxBatch, carrying overlap forward.
func (b *Batcher) forceEmit(ctx context.Context, ts time.Time, blockTimeout time.Duration) {
	maxN := b.cfg.maxSamples()
	emitted := b.accum[:maxN]
	remainder := b.accum[maxN:]

	b.carryOverlapFrom(emitted)
	b.emit(ctx, emitted, ts, blockTimeout)

	b.accum = remainder
	b.consecutiveUnvoiced = 0
	if len(remainder) > 0 {
		// Audio kept arriving past maxBatch in the same PushFrame call chain
		// (e.g. a single oversized push); stay in Accumulating with the
		// remainder already appended.
		b.state = Accumulating
		b.accum = append(append([]int16{}, b.overlapCarry...), remainder...)
		b.overlapCarry = nil
	} else {
		b.state = OverlapCarry
	}
}

func (b *Batcher) carryOverlapFrom(emitted []int16) {
	n := b.cfg.overlapSamples()
	if n <= 0 {
		b.overlapCarry = nil
		return
	}
	if n > len(emitted) {
		n = len(emitted)
	}
	b.overlapCarry = append([]int16{}, emitted[len(emitted)-n:]...)
}

func (b *Batcher) emit(ctx context.Context, samples []int16, end time.Time, blockTimeout time.Duration) {
	u := transcript.Utterance{
		BatchSeq:   b.nextSeq,
		Samples:    append([]int16{}, samples...),
		Start:      b.utteranceStart,
		End:        end,
		SampleRate: b.cfg.SampleRate,
	}
	b.nextSeq++

	timer := time.NewTimer(blockTimeout)
	defer timer.Stop()

	select {
	case b.Out <- u:
		return
	case <-ctx.Done():
		return
	case <-timer.C:
		b.log.Warn("batch queue full, dropping oldest queued utterance",
			logger.Int64("batch_seq", u.BatchSeq))
		select {
		case <-b.Out:
		default:
		}
		select {
		case b.Out <- u:
		case <-ctx.Done():
		}
	}
}

// Pause drops any in-flight accumulation and moves to Paused.
func (b *Batcher) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accum = nil
	b.overlapCarry = nil
	b.consecutiveUnvoiced = 0
	b.det.Reset()
	b.state = Paused
}

// Resume returns to WaitingForVoice after a pause.
func (b *Batcher) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = WaitingForVoice
}

// ResetOnTruncation drops in-flight accumulation after an AudioRing
// truncation signal and returns to WaitingForVoice, per spec 4.1/4.3.
func (b *Batcher) ResetOnTruncation() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accum = nil
	b.overlapCarry = nil
	b.consecutiveUnvoiced = 0
	b.det.Reset()
	b.state = WaitingForVoice
}

// State returns the current state, for tests and diagnostics.
func (b *Batcher) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
