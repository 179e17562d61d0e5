package contextmgr

import (
	"context"
	"testing"

	"github.com/aaronsb/livetranscripts/internal/ai"
	"github.com/aaronsb/livetranscripts/internal/transcript"
)

type stubChatProvider struct {
	response string
	err      error
	lastMsgs []ai.ChatMessage
}

func (s *stubChatProvider) ChatCompletion(ctx context.Context, messages []ai.ChatMessage, config ai.ChatConfig) (string, error) {
	s.lastMsgs = messages
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func TestClassifyLine(t *testing.T) {
	cases := map[string]InsightKind{
		"- [ ] follow up with legal":  KindActionItem,
		"TODO check budget numbers":   KindActionItem,
		"action: file the ticket":     KindActionItem,
		"What is the launch date?":    KindQuestion,
		"Q: who owns this":            KindQuestion,
		"question: any blockers":      KindQuestion,
		"The team agreed on the plan": KindSummary,
	}
	for line, want := range cases {
		if got := classifyLine(line); got != want {
			t.Errorf("classifyLine(%q) = %v, want %v", line, got, want)
		}
	}
}

func TestAnswerQuestionIncludesFullTranscriptAndFocus(t *testing.T) {
	provider := &stubChatProvider{response: "the answer"}
	snap := transcript.Snapshot{Text: "hello world", Version: 3}

	answer, _, err := AnswerQuestion(context.Background(), provider, Config{}, snap, "budget planning", nil, "what was discussed?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer != "the answer" {
		t.Fatalf("answer = %q", answer)
	}
	if len(provider.lastMsgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(provider.lastMsgs))
	}
	if !contains(provider.lastMsgs[0].Content, "budget planning") {
		t.Errorf("system prompt missing focus: %q", provider.lastMsgs[0].Content)
	}
	if !contains(provider.lastMsgs[1].Content, "hello world") {
		t.Errorf("user prompt missing transcript: %q", provider.lastMsgs[1].Content)
	}
}

func TestGenerateInsightsClassifiesMixedLines(t *testing.T) {
	provider := &stubChatProvider{response: "Team is on track.\n- [ ] send follow-up email\nWhat is the deadline?"}
	snap := transcript.Snapshot{Text: "some transcript", Version: 5}

	insights, err := GenerateInsights(context.Background(), provider, Config{}, snap, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(insights) != 3 {
		t.Fatalf("got %d insights, want 3", len(insights))
	}
	if insights[0].Kind != KindSummary || insights[1].Kind != KindActionItem || insights[2].Kind != KindQuestion {
		t.Errorf("kinds = %v, %v, %v", insights[0].Kind, insights[1].Kind, insights[2].Kind)
	}
	for _, ins := range insights {
		if ins.CoversUpToVersion != 5 {
			t.Errorf("covers_up_to_version = %d, want 5", ins.CoversUpToVersion)
		}
	}
}

func TestQuestionRotatorEmptyTranscriptUsesDefaults(t *testing.T) {
	r := NewQuestionRotator(4)
	provider := &stubChatProvider{}
	snap := transcript.Snapshot{Text: ""}

	questions, idx, err := r.Tick(context.Background(), provider, Config{}, snap, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != -1 {
		t.Errorf("idx = %d, want -1 for empty-transcript default fill", idx)
	}
	if len(questions) != 5 {
		t.Fatalf("got %d questions, want 5", len(questions))
	}
	if questions[0] != firstSuggestedQuestion {
		t.Errorf("questions[0] = %q, want %q", questions[0], firstSuggestedQuestion)
	}
}

func TestQuestionRotatorRotatesOneSlotPerTick(t *testing.T) {
	r := NewQuestionRotator(4)
	snap := transcript.Snapshot{Text: "plenty of transcript content"}

	provider := &stubChatProvider{response: "What is the rollout plan?"}
	firstRound, idx0, err := r.Tick(context.Background(), provider, Config{}, snap, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx0 != 0 {
		t.Fatalf("first tick idx = %d, want 0", idx0)
	}

	provider2 := &stubChatProvider{response: "Who owns the migration?"}
	secondRound, idx1, err := r.Tick(context.Background(), provider2, Config{}, snap, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx1 != 1 {
		t.Fatalf("second tick idx = %d, want 1", idx1)
	}

	if secondRound[1] != firstRound[1] {
		t.Errorf("slot 0 (questions[1]) should be preserved across tick: %q vs %q", secondRound[1], firstRound[1])
	}
	if secondRound[2] != "Who owns the migration?" {
		t.Errorf("slot 1 (questions[2]) = %q, want rotated value", secondRound[2])
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
