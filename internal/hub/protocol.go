package hub

import (
	"time"

	"github.com/aaronsb/livetranscripts/internal/contextmgr"
	"github.com/aaronsb/livetranscripts/internal/session"
)

// Inbound command type strings, per the subscriber protocol's "type" field.
const (
	CmdStart        = "start"
	CmdStop         = "stop"
	CmdSetFocus     = "set_focus"
	CmdSetKnowledge = "set_knowledge"
	CmdQuestion     = "question"
	CmdPing         = "ping"
)

// Outbound event type strings.
const (
	EvtTranscription      = "transcription"
	EvtAnswer             = "answer"
	EvtInsight            = "insight"
	EvtSuggestedQuestions = "suggested_questions"
	EvtState              = "state"
	EvtError              = "error"
	EvtPong               = "pong"
)

// Command is a decoded client->server message. Only the fields relevant to
// Type are populated.
type Command struct {
	Type      string              `json:"type"`
	Focus     string              `json:"focus,omitempty"`
	Items     []knowledgeItemWire `json:"items,omitempty"`
	Question  string              `json:"question,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
}

type knowledgeItemWire struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Text string `json:"text"`
}

func (c Command) toKnowledgeItems() []contextmgr.KnowledgeItem {
	items := make([]contextmgr.KnowledgeItem, len(c.Items))
	for i, w := range c.Items {
		items[i] = contextmgr.KnowledgeItem{ID: w.ID, Name: w.Name, Text: w.Text}
	}
	return items
}

// Event is an outbound server->client message. json.Marshal drops zero
// fields tagged omitempty, so most fields appear only on their own event
// type; batch_seq and rotated_index have no omitempty and appear on every
// event, and the omitzero tag on ts is honored only by Go 1.24+ encoding/json.
type Event struct {
	Type         string                 `json:"type"`
	Text         string                 `json:"text,omitempty"`
	BatchSeq     int64                  `json:"batch_seq"`
	Timestamp    time.Time              `json:"ts,omitzero"`
	RequestID    string                 `json:"request_id,omitempty"`
	Answer       string                 `json:"answer,omitempty"`
	LatencyMS    int64                  `json:"latency_ms,omitempty"`
	Kind         string                 `json:"kind,omitempty"`
	Questions    []string               `json:"questions,omitempty"`
	RotatedIndex int                    `json:"rotated_index"`
	Recording    session.RecordingState `json:"recording,omitempty"`
	Focus        string                 `json:"focus,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

func transcriptionEvent(batchSeq int64, text string, ts time.Time) Event {
	return Event{Type: EvtTranscription, Text: text, BatchSeq: batchSeq, Timestamp: ts}
}

func answerEvent(requestID, answer string, latency time.Duration) Event {
	return Event{Type: EvtAnswer, RequestID: requestID, Answer: answer, LatencyMS: latency.Milliseconds()}
}

func insightEvent(ins contextmgr.Insight) Event {
	return Event{Type: EvtInsight, Kind: string(ins.Kind), Text: ins.Text, Timestamp: ins.GeneratedAt}
}

func suggestedQuestionsEvent(questions []string, rotatedIndex int) Event {
	return Event{Type: EvtSuggestedQuestions, Questions: questions, RotatedIndex: rotatedIndex}
}

func stateEvent(snap session.Snapshot) Event {
	return Event{Type: EvtState, Recording: snap.Recording, Focus: snap.Focus}
}

func errorEvent(kind, message string) Event {
	return Event{Type: EvtError, Kind: kind, Message: message}
}

// errorEventFor is errorEvent with a request_id, so a failed command (e.g.
// a question) can be correlated by the client that sent it.
func errorEventFor(requestID, kind, message string) Event {
	return Event{Type: EvtError, RequestID: requestID, Kind: kind, Message: message}
}

var pongEvent = Event{Type: EvtPong}
