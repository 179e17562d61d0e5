// Package hub is the single point of serialization for session state: the
// subscriber set, the recording state machine, and the lifecycle of the
// batcher/dispatcher/ticker tasks underneath one session. Subscriber commands
// are applied in Hub.run; SetKnowledge and StopSession change the same state
// directly under the hub's lock. Everything else reads immutable snapshots.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aaronsb/livetranscripts/internal/ai"
	"github.com/aaronsb/livetranscripts/internal/audioring"
	"github.com/aaronsb/livetranscripts/internal/batcher"
	"github.com/aaronsb/livetranscripts/internal/contextmgr"
	"github.com/aaronsb/livetranscripts/internal/dispatcher"
	"github.com/aaronsb/livetranscripts/internal/session"
	"github.com/aaronsb/livetranscripts/internal/ticker"
	"github.com/aaronsb/livetranscripts/internal/transcript"
	"github.com/aaronsb/livetranscripts/pkg/logger"
)

// subscriberQueueSize is the default bounded send buffer per subscriber.
const subscriberQueueSize = 64

// Subscriber is one connected client. Transport (e.g. the websocket
// upgrade handler) owns reading frames off the wire and calling Hub.Handle;
// Hub owns deciding what gets queued for Send.
type Subscriber struct {
	id  string
	hub *Hub

	mu      sync.Mutex
	queue   []Event
	closed  bool
	lagging bool
	notify  chan struct{}

	// Send delivers queued events to the transport. The transport's write
	// loop should range over this until it is closed.
	Send chan Event

	cancelQuestion context.CancelFunc
}

func newSubscriber(id string, h *Hub) *Subscriber {
	s := &Subscriber{
		id:     id,
		hub:    h,
		notify: make(chan struct{}, 1),
		Send:   make(chan Event, subscriberQueueSize),
	}
	go s.pump()
	return s
}

// pump drains the mutex-protected queue into the buffered Send channel,
// letting enqueue evict from the middle of the queue (a plain channel
// cannot) while Send still gives the transport a simple range-able source.
func (s *Subscriber) pump() {
	for range s.notify {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 || s.closed {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.Send <- e
		}
		s.mu.Lock()
		done := s.closed
		s.mu.Unlock()
		if done {
			close(s.Send)
			return
		}
	}
}

// enqueue applies the fan-out backpressure policy: below capacity, append;
// at capacity, evict the oldest non-transcription message to make room;
// if the queue is saturated with transcriptions and e is a transcription,
// the subscriber is marked lagging and torn down.
func (s *Subscriber) enqueue(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.queue) < subscriberQueueSize {
		s.queue = append(s.queue, e)
		s.wake()
		return
	}

	if idx := indexOfOldestNonTranscription(s.queue); idx >= 0 {
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		s.queue = append(s.queue, e)
		s.wake()
		return
	}

	if e.Type != EvtTranscription {
		return
	}

	s.lagging = true
	s.closed = true
	s.wake()
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func indexOfOldestNonTranscription(queue []Event) int {
	for i, e := range queue {
		if e.Type != EvtTranscription {
			return i
		}
	}
	return -1
}

// Close tears the subscriber down from the transport side (disconnect).
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancelQuestion != nil {
		s.cancelQuestion()
	}
	s.mu.Unlock()
	s.wake()
}

// Config bundles the pieces Hub needs to build its per-session pipeline.
type Config struct {
	Batcher                batcher.Config
	Dispatcher             dispatcher.Config
	ContextMgr             contextmgr.Config
	InsightInterval        time.Duration
	QuestionInterval       time.Duration
	NumDynamicQuestions    int
	RingBufferDurationSecs float64
}

// Hub owns one session's pipeline end to end.
type Hub struct {
	cfg   Config
	state *session.State
	tr    *transcript.Transcript
	log   *logger.Logger

	chatProvider ai.ChatProvider
	batch        *batcher.Batcher
	disp         *dispatcher.Dispatcher
	insightT     *ticker.InsightTicker
	questionT    *ticker.DynamicQuestionTicker

	ring       *audioring.Ring
	ringMu     sync.Mutex
	ringCursor int64

	mu          sync.RWMutex
	subscribers map[*Subscriber]bool

	commands chan inboundCommand

	onStop func(finalState session.Snapshot, tr *transcript.Transcript)

	cancel context.CancelFunc
	done   chan struct{}
}

type inboundCommand struct {
	sub *Subscriber
	cmd Command
}

// New builds a Hub wired to the given transcription primary/fallback
// models and chat provider. The pipeline is not started until Start.
func New(cfg Config, primary dispatcher.Model, fallback []dispatcher.Model, chatProvider ai.ChatProvider, log *logger.Logger) *Hub {
	tr := transcript.New()
	h := &Hub{
		cfg:          cfg,
		state:        session.New(),
		tr:           tr,
		log:          log.Named("hub"),
		chatProvider: chatProvider,
		subscribers:  make(map[*Subscriber]bool),
		commands:     make(chan inboundCommand, 32),
		done:         make(chan struct{}),
	}

	h.batch = batcher.New(cfg.Batcher, log, 32)
	h.disp = dispatcher.New(cfg.Dispatcher, primary, fallback, tr, log)
	h.ring = audioring.New(cfg.Batcher.SampleRate, cfg.RingBufferDurationSecs)

	h.insightT = ticker.NewInsightTicker(cfg.InsightInterval, chatProvider, cfg.ContextMgr, tr, h.currentFocus, h.onInsights, log)
	h.questionT = ticker.NewDynamicQuestionTicker(cfg.QuestionInterval, cfg.NumDynamicQuestions, chatProvider, cfg.ContextMgr, tr, h.currentFocus, h.onQuestions, log)

	return h
}

// OnStop registers a callback invoked once, synchronously, right after the
// session transitions to STOPPED, so a session-log writer can persist the
// final transcript without sitting in the hot path.
func (h *Hub) OnStop(fn func(session.Snapshot, *transcript.Transcript)) {
	h.onStop = fn
}

// Transcript exposes the shared transcript for read-only consumers (HTTP
// stats surface, session-log writer).
func (h *Hub) Transcript() *transcript.Transcript { return h.tr }

// Dispatcher exposes per-model stats for the HTTP stats surface.
func (h *Hub) Dispatcher() *dispatcher.Dispatcher { return h.disp }

// Snapshot returns the current session state without the transcript body.
func (h *Hub) Snapshot() session.Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Snapshot()
}

// Start wires the batcher -> dispatcher pipeline and launches the control
// loop and both tickers.
func (h *Hub) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.disp.Start(ctx)
	go h.pipeBatchesToDispatcher(ctx)
	go h.run(ctx)

	h.insightT.Start(ctx)
	h.questionT.Start(ctx)
	// Session starts PAUSED; tickers idle until the first `start` command.
	h.insightT.Pause()
	h.questionT.Pause()

	go h.watchTranscriptAppends(ctx)
}

// Stop cancels the session context, then stops the tickers, then the
// dispatcher, then waits for the control loop to exit. The batcher has no
// goroutine of its own to stop.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.insightT.Stop()
	h.questionT.Stop()
	h.disp.Stop()
	<-h.done
}

func (h *Hub) pipeBatchesToDispatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-h.batch.Out:
			if !ok {
				return
			}
			select {
			case h.disp.In <- u:
			case <-ctx.Done():
				return
			}
		}
	}
}

// watchTranscriptAppends polls the transcript version and broadcasts newly
// appended transcriptions. Dispatcher commits are the only writer; this
// keeps the hub from needing a callback wired through the dispatcher.
func (h *Hub) watchTranscriptAppends(ctx context.Context) {
	var lastSeen int64
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := h.tr.Snapshot()
			if snap.Version == lastSeen {
				continue
			}
			for _, t := range snap.Transcriptions[lastSeen:] {
				h.broadcast(transcriptionEvent(t.BatchSeq, t.Text, t.Timestamp))
			}
			lastSeen = snap.Version
		}
	}
}

// PushAudio writes one frame of captured audio into the ring, then feeds
// whatever the ring reports as newly available since the last read into the
// batcher. If the ring reports the reader fell behind and data was
// overwritten, the in-progress utterance is dropped before the new audio is
// pushed, so a truncation never gets stitched onto stale samples. Callers
// (the audio source) should not block on this beyond blockTimeout.
func (h *Hub) PushAudio(ctx context.Context, frame []int16, ts time.Time, blockTimeout time.Duration) {
	h.ringMu.Lock()
	h.ring.Write(frame)
	samples, newCursor, truncated := h.ring.ReadSince(h.ringCursor)
	h.ringCursor = newCursor
	h.ringMu.Unlock()

	if truncated {
		h.batch.ResetOnTruncation()
	}
	if len(samples) > 0 {
		h.batch.PushFrame(ctx, samples, ts, blockTimeout)
	}
}

// ResetOnAudioTruncation is called by the audio source itself on a stream
// discontinuity it detects independently of ring capacity (e.g. an ffmpeg
// reconnect). It resyncs the ring cursor to the current write position so
// the gap isn't reported a second time as a capacity-overflow truncation,
// and drops the batcher's in-progress utterance.
func (h *Hub) ResetOnAudioTruncation() {
	h.ringMu.Lock()
	h.ringCursor = h.ring.Cursor()
	h.ringMu.Unlock()
	h.batch.ResetOnTruncation()
}

// Subscribe registers a new subscriber and returns it; the transport keeps
// reading Subscriber.Send until it closes.
func (h *Hub) Subscribe(id string) *Subscriber {
	sub := newSubscriber(id, h)
	h.mu.Lock()
	h.subscribers[sub] = true
	h.mu.Unlock()
	sub.enqueue(stateEvent(h.Snapshot()))
	sub.enqueue(suggestedQuestionsEvent(h.questionT.Questions(), -1))
	return sub
}

// Unsubscribe removes a disconnected subscriber.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	sub.Close()
}

// Handle decodes and enqueues one inbound command from sub. Decode errors
// produce an immediate unicast error event rather than entering the
// control loop.
func (h *Hub) Handle(sub *Subscriber, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		sub.enqueue(errorEvent("bad_request", fmt.Sprintf("invalid message: %v", err)))
		return
	}
	select {
	case h.commands <- inboundCommand{sub: sub, cmd: cmd}:
	default:
		sub.enqueue(errorEvent("overloaded", "command queue full, try again"))
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ic := <-h.commands:
			h.dispatch(ctx, ic.sub, ic.cmd)
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, sub *Subscriber, cmd Command) {
	switch cmd.Type {
	case CmdStart:
		h.transitionTo(session.Recording)
	case CmdStop:
		h.transitionTo(session.Paused)
	case CmdSetFocus:
		h.mu.Lock()
		h.state.Focus = cmd.Focus
		h.mu.Unlock()
		h.broadcast(stateEvent(h.Snapshot()))
	case CmdSetKnowledge:
		h.mu.Lock()
		h.state.Knowledge = cmd.toKnowledgeItems()
		h.mu.Unlock()
		sub.enqueue(Event{Type: "knowledge_ack"})
	case CmdQuestion:
		h.handleQuestion(ctx, sub, cmd)
	case CmdPing:
		sub.enqueue(pongEvent)
	default:
		sub.enqueue(errorEvent("unknown_command", fmt.Sprintf("unrecognized type %q", cmd.Type)))
	}
}

func (h *Hub) transitionTo(to session.RecordingState) {
	h.mu.Lock()
	from := h.state.Recording
	if from == to || !session.CanTransitionTo(from, to) {
		h.mu.Unlock()
		return
	}
	h.state.Recording = to
	h.mu.Unlock()

	switch to {
	case session.Recording:
		h.batch.Resume()
		h.insightT.Resume()
		h.questionT.Resume()
	case session.Paused:
		h.batch.Pause()
		h.insightT.Pause()
		h.questionT.Pause()
	case session.Stopped:
		h.batch.Pause()
		h.insightT.Pause()
		h.questionT.Pause()
		if h.onStop != nil {
			h.onStop(h.Snapshot(), h.tr)
		}
	}
	h.broadcast(stateEvent(h.Snapshot()))
}

// StopSession transitions the session to the terminal STOPPED state and
// runs the session-log hook. Unlike `stop` (the command, which pauses) this
// is only reachable from server-side shutdown or an explicit end-session
// call, matching the one-way STOPPED transition in the state machine.
func (h *Hub) StopSession() {
	h.transitionTo(session.Stopped)
}

func (h *Hub) handleQuestion(ctx context.Context, sub *Subscriber, cmd Command) {
	qCtx, cancel := context.WithCancel(ctx)
	sub.mu.Lock()
	sub.cancelQuestion = cancel
	sub.mu.Unlock()

	go func() {
		defer cancel()
		snap := h.tr.Snapshot()
		focus := h.currentFocus()
		knowledge := h.currentKnowledge()

		answer, latency, err := contextmgr.AnswerQuestion(qCtx, h.chatProvider, h.cfg.ContextMgr, snap, focus, knowledge, cmd.Question)
		if err != nil {
			sub.enqueue(errorEventFor(cmd.RequestID, "question_failed", err.Error()))
			return
		}
		sub.enqueue(answerEvent(cmd.RequestID, answer, latency))
	}()
}

func (h *Hub) onInsights(insights []contextmgr.Insight) {
	for _, ins := range insights {
		h.broadcast(insightEvent(ins))
	}
}

func (h *Hub) onQuestions(questions []string, rotatedIndex int) {
	h.broadcast(suggestedQuestionsEvent(questions, rotatedIndex))
}

func (h *Hub) broadcast(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers {
		sub.enqueue(e)
	}
}

func (h *Hub) currentFocus() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Focus
}

func (h *Hub) currentKnowledge() []contextmgr.KnowledgeItem {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]contextmgr.KnowledgeItem, len(h.state.Knowledge))
	copy(out, h.state.Knowledge)
	return out
}

// SetKnowledge replaces the session's knowledge items, e.g. from the
// ambient markdown-directory loader at session start.
func (h *Hub) SetKnowledge(items []contextmgr.KnowledgeItem) {
	h.mu.Lock()
	h.state.Knowledge = items
	h.mu.Unlock()
}
