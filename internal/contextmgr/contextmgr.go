// Package contextmgr implements the three AI-facing operations that read
// the full transcript: answering ad hoc questions, generating mixed-kind
// insights, and rotating a set of suggested follow-up questions. All three
// are pure functions of (transcript snapshot, session focus, knowledge
// items, now) plus one ChatProvider round trip.
package contextmgr

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aaronsb/livetranscripts/internal/ai"
	"github.com/aaronsb/livetranscripts/internal/transcript"
)

// KnowledgeItem is a caller-supplied reference document injected into
// prompts, identified by a stable id.
type KnowledgeItem struct {
	ID   string
	Name string
	Text string
}

// InsightKind classifies one line of a generated insights response.
type InsightKind string

const (
	KindSummary    InsightKind = "SUMMARY"
	KindActionItem InsightKind = "ACTION_ITEM"
	KindQuestion   InsightKind = "QUESTION"
)

// Insight is one classified line of model output, tagged with the
// transcript version it was generated against.
type Insight struct {
	Kind             InsightKind
	Text             string
	GeneratedAt      time.Time
	CoversUpToVersion int64
}

// DefaultSuggestedQuestions seeds the rotation on a fresh session with an
// empty transcript.
var DefaultSuggestedQuestions = []string{
	"What are the main topics being discussed?",
	"What decisions have been made so far?",
	"Are there any action items or next steps?",
	"What questions or concerns were raised?",
}

const firstSuggestedQuestion = "Summarize recent discussion"

// Config bounds prompt construction.
type Config struct {
	KnowledgeByteBudget int
	Model               string
	Temperature         float64
	MaxTokens           int
}

func (c Config) chatConfig() ai.ChatConfig {
	return ai.ChatConfig{Model: c.Model, Temperature: c.Temperature, MaxTokens: c.MaxTokens}
}

// buildKnowledgeBlock concatenates knowledge item text up to the configured
// byte budget, reporting whether it had to truncate.
func buildKnowledgeBlock(items []KnowledgeItem, budget int) (string, bool) {
	if len(items) == 0 {
		return "", false
	}
	var b strings.Builder
	truncated := false
	for _, item := range items {
		entry := fmt.Sprintf("## %s\n%s\n\n", item.Name, item.Text)
		if budget > 0 && b.Len()+len(entry) > budget {
			remaining := budget - b.Len()
			if remaining > 0 {
				b.WriteString(entry[:remaining])
			}
			truncated = true
			break
		}
		b.WriteString(entry)
	}
	return b.String(), truncated
}

// AnswerQuestion implements the answer_question operation: full transcript,
// focus, and byte-bounded knowledge are assembled into a single prompt sent
// through provider. Returns the answer text and the round-trip latency.
func AnswerQuestion(ctx context.Context, provider ai.ChatProvider, cfg Config, snap transcript.Snapshot, focus string, knowledge []KnowledgeItem, question string) (string, time.Duration, error) {
	knowledgeBlock, _ := buildKnowledgeBlock(knowledge, cfg.KnowledgeByteBudget)

	var sys strings.Builder
	sys.WriteString("You are an AI assistant with access to the complete meeting transcript from beginning to end. Answer using any information from the entire meeting.")
	if focus != "" {
		fmt.Fprintf(&sys, " The user's goal for this session is: %q.", focus)
	}
	if knowledgeBlock != "" {
		sys.WriteString("\n\nReference material:\n")
		sys.WriteString(knowledgeBlock)
	}

	messages := []ai.ChatMessage{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: fmt.Sprintf("Complete meeting transcript:\n%s\n\nQuestion: %s", transcriptOrPlaceholder(snap.Text), question)},
	}

	start := time.Now()
	answer, err := provider.ChatCompletion(ctx, messages, cfg.chatConfig())
	latency := time.Since(start)
	if err != nil {
		return "", latency, err
	}
	return answer, latency, nil
}

// GenerateInsights implements generate_insights: the model is asked to
// produce a short summary, action items, and follow-up questions over the
// full transcript, then the response is classified line by line.
func GenerateInsights(ctx context.Context, provider ai.ChatProvider, cfg Config, snap transcript.Snapshot, focus string) ([]Insight, error) {
	var sys strings.Builder
	sys.WriteString("From the meeting transcript, produce: a short summary sentence, any action items as lines starting with \"- [ ]\", and any follow-up questions as lines ending with \"?\". One item per line.")
	if focus != "" {
		fmt.Fprintf(&sys, " The user's goal for this session is: %q.", focus)
	}

	messages := []ai.ChatMessage{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: fmt.Sprintf("Complete meeting transcript:\n%s", transcriptOrPlaceholder(snap.Text))},
	}

	response, err := provider.ChatCompletion(ctx, messages, cfg.chatConfig())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var insights []Insight
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		insights = append(insights, Insight{
			Kind:              classifyLine(line),
			Text:              line,
			GeneratedAt:       now,
			CoversUpToVersion: snap.Version,
		})
	}
	return insights, nil
}

var actionItemPrefix = regexp.MustCompile(`(?i)^\s*(-\s*\[.\]|TODO|ACTION:)`)

// classifyLine assigns an insight kind by leading marker: "- [ ]"/"TODO"/
// "ACTION:" (case-insensitive) is an action item, a line ending in "?" or
// starting with "Q:"/"QUESTION:" is a question, anything else is a summary.
func classifyLine(line string) InsightKind {
	if actionItemPrefix.MatchString(line) {
		return KindActionItem
	}
	upper := strings.ToUpper(line)
	if strings.HasSuffix(line, "?") || strings.HasPrefix(upper, "Q:") || strings.HasPrefix(upper, "QUESTION:") {
		return KindQuestion
	}
	return KindSummary
}

func transcriptOrPlaceholder(text string) string {
	if text == "" {
		return "No meeting context available yet."
	}
	return text
}

// QuestionRotator maintains the K+1 SuggestedQuestions slots: slot 0 is
// always firstSuggestedQuestion; the remaining K rotate one slot per tick.
type QuestionRotator struct {
	k      int
	slots  []string
	cursor int
}

// NewQuestionRotator creates a rotator with k rotating slots, seeded from
// DefaultSuggestedQuestions.
func NewQuestionRotator(k int) *QuestionRotator {
	slots := make([]string, k)
	for i := 0; i < k; i++ {
		slots[i] = DefaultSuggestedQuestions[i%len(DefaultSuggestedQuestions)]
	}
	return &QuestionRotator{k: k, slots: slots}
}

// Questions returns the current K+1-length list with the fixed first slot
// prepended.
func (r *QuestionRotator) Questions() []string {
	out := make([]string, 0, r.k+1)
	out = append(out, firstSuggestedQuestion)
	out = append(out, r.slots...)
	return out
}

// Tick implements suggest_questions: regenerates exactly one rotating slot
// (round-robin) by asking provider for fresh contextual questions over the
// full transcript, and returns the resulting index into the rotating slots
// (not the K+1 list) along with the updated question list.
func (r *QuestionRotator) Tick(ctx context.Context, provider ai.ChatProvider, cfg Config, snap transcript.Snapshot, focus string) ([]string, int, error) {
	if snap.Text == "" {
		for i, q := range DefaultSuggestedQuestions {
			if i < r.k {
				r.slots[i] = q
			}
		}
		return r.Questions(), -1, nil
	}

	var sys strings.Builder
	sys.WriteString("Based on the complete meeting transcript, generate exactly one specific follow-up question attendees might want to ask. Respond with only the question, ending in a question mark.")
	if focus != "" {
		fmt.Fprintf(&sys, " The user's goal for this session is: %q.", focus)
	}
	messages := []ai.ChatMessage{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: fmt.Sprintf("Complete meeting transcript:\n%s", snap.Text)},
	}

	response, err := provider.ChatCompletion(ctx, messages, cfg.chatConfig())
	if err != nil {
		return nil, -1, err
	}

	question := firstQuestionLine(response)
	if question == "" {
		question = DefaultSuggestedQuestions[r.cursor%len(DefaultSuggestedQuestions)]
	}

	idx := r.cursor % r.k
	r.slots[idx] = question
	r.cursor++

	return r.Questions(), idx, nil
}

func firstQuestionLine(response string) string {
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "0123456789.-*•● ")
		if line != "" && strings.Contains(line, "?") {
			return line
		}
	}
	return ""
}
