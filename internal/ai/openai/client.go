// Package openai implements ai.TranscriptionProvider and ai.ChatProvider
// against OpenAI-compatible REST endpoints (Whisper transcription,
// chat completions).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aaronsb/livetranscripts/internal/ai"
	"github.com/aaronsb/livetranscripts/pkg/logger"
)

// Client handles communication with an OpenAI-compatible API.
type Client struct {
	apiKey     string
	model      string
	httpClient *http.Client
	logger     *logger.Logger
	baseURL    string // stored without trailing slash

	transcriptionPath   string
	chatCompletionsPath string
}

// NewClient creates a new OpenAI-compatible client. model is the
// transcription model id used by Transcribe; ChatCompletion takes its
// model from the per-call ai.ChatConfig instead.
func NewClient(apiKey, model string, log *logger.Logger, baseURL string, timeout time.Duration) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		if env := os.Getenv("OPENAI_API_BASE"); env != "" {
			base = env
		} else {
			base = "https://api.openai.com"
		}
	}
	base = strings.TrimRight(base, "/")

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		apiKey:  apiKey,
		model:   model,
		logger:  log.Named("openai"),
		baseURL: base,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		transcriptionPath:   "/v1/audio/transcriptions",
		chatCompletionsPath: "/v1/chat/completions",
	}
}

// SetPaths allows overriding specific endpoint paths, for use against
// self-hosted Whisper-compatible servers.
func (c *Client) SetPaths(transcription, chatCompletions string) {
	if transcription != "" {
		c.transcriptionPath = transcription
	}
	if chatCompletions != "" {
		c.chatCompletionsPath = chatCompletions
	}
}

// Transcribe implements ai.TranscriptionProvider via the Whisper-compatible
// multipart /v1/audio/transcriptions endpoint.
func (c *Client) Transcribe(ctx context.Context, audio []byte, sampleRate, channels int) (ai.TranscriptionResult, error) {
	if c.apiKey == "" {
		return ai.TranscriptionResult{}, &ai.ProviderError{Class: ai.ErrClient, Err: fmt.Errorf("openai api key is required")}
	}

	wav := ai.WrapPCMAsWAV(audio, sampleRate, channels)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return ai.TranscriptionResult{}, &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}
	if _, err := part.Write(wav); err != nil {
		return ai.TranscriptionResult{}, &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}
	if err := w.WriteField("model", c.model); err != nil {
		return ai.TranscriptionResult{}, &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}
	if err := w.WriteField("response_format", "json"); err != nil {
		return ai.TranscriptionResult{}, &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}
	if err := w.Close(); err != nil {
		return ai.TranscriptionResult{}, &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}

	apiURL := c.baseURL + c.transcriptionPath
	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, &body)
	if err != nil {
		return ai.TranscriptionResult{}, &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ai.TranscriptionResult{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ai.TranscriptionResult{}, classifyHTTPStatus(resp)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ai.TranscriptionResult{}, &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}

	return ai.TranscriptionResult{Text: result.Text, Confidence: 1.0}, nil
}

// ChatCompletion implements ai.ChatProvider via /v1/chat/completions.
func (c *Client) ChatCompletion(ctx context.Context, messages []ai.ChatMessage, config ai.ChatConfig) (string, error) {
	apiURL := c.baseURL + c.chatCompletionsPath

	type reqMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	type request struct {
		Model       string       `json:"model"`
		Messages    []reqMessage `json:"messages"`
		MaxTokens   int          `json:"max_tokens,omitempty"`
		Temperature float64      `json:"temperature"`
	}

	reqMessages := make([]reqMessage, len(messages))
	for i, msg := range messages {
		reqMessages[i] = reqMessage{Role: msg.Role, Content: msg.Content}
	}

	reqBody := request{
		Model:       config.Model,
		Messages:    reqMessages,
		MaxTokens:   config.MaxTokens,
		Temperature: config.Temperature,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPStatus(resp)
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}

	if len(result.Choices) == 0 {
		return "", &ai.ProviderError{Class: ai.ErrServer, Err: fmt.Errorf("no choices in response")}
	}

	return result.Choices[0].Message.Content, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &ai.ProviderError{Class: ai.ErrTimeout, Err: err}
	}
	return &ai.ProviderError{Class: ai.ErrNetwork, Err: err}
}

func classifyHTTPStatus(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	statusErr := fmt.Errorf("%s: %s", resp.Status, string(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &ai.ProviderError{Class: ai.ErrRateLimited, RetryAfter: retryAfter, Err: statusErr}
	case resp.StatusCode >= 500:
		return &ai.ProviderError{Class: ai.ErrServer, Err: statusErr}
	case resp.StatusCode >= 400:
		return &ai.ProviderError{Class: ai.ErrClient, Err: statusErr}
	default:
		return &ai.ProviderError{Class: ai.ErrUnknown, Err: statusErr}
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		return time.Until(when)
	}
	return 0
}
