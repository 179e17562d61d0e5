// Package gemini implements ai.TranscriptionProvider and ai.ChatProvider
// against the Gemini generateContent REST endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aaronsb/livetranscripts/internal/ai"
	"github.com/aaronsb/livetranscripts/pkg/logger"
)

// DefaultHost is the default host for the Gemini API.
const DefaultHost = "generativelanguage.googleapis.com"

// Client represents a Google Gemini API client.
type Client struct {
	apiKey     string
	model      string
	host       string
	logger     *logger.Logger
	httpClient *http.Client
}

// NewClient creates a new Gemini client. model is the transcription model
// id used by Transcribe; ChatCompletion takes its model from the per-call
// ai.ChatConfig instead.
func NewClient(apiKey, model string, log *logger.Logger, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey: apiKey,
		model:  model,
		host:   DefaultHost,
		logger: log.Named("gemini"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

// Transcribe implements ai.TranscriptionProvider by sending the audio as
// inline base64 data to generateContent with a transcription instruction.
func (c *Client) Transcribe(ctx context.Context, audio []byte, sampleRate, channels int) (ai.TranscriptionResult, error) {
	if c.apiKey == "" {
		return ai.TranscriptionResult{}, &ai.ProviderError{Class: ai.ErrClient, Err: fmt.Errorf("gemini api key is required")}
	}

	wav := ai.WrapPCMAsWAV(audio, sampleRate, channels)

	reqBody := map[string]any{
		"contents": []content{
			{
				Role: "user",
				Parts: []part{
					{Text: "Transcribe the following audio exactly. Output only the transcript text, nothing else."},
					{InlineData: &inlineData{MimeType: "audio/wav", Data: base64.StdEncoding.EncodeToString(wav)}},
				},
			},
		},
		"generationConfig": map[string]any{
			"temperature": 0.0,
		},
	}

	text, err := c.generateContent(ctx, reqBody)
	if err != nil {
		return ai.TranscriptionResult{}, err
	}
	return ai.TranscriptionResult{Text: text, Confidence: 1.0}, nil
}

// ChatCompletion implements ai.ChatProvider via generateContent.
func (c *Client) ChatCompletion(ctx context.Context, messages []ai.ChatMessage, config ai.ChatConfig) (string, error) {
	var contents []content
	var systemInstruction *content

	for _, msg := range messages {
		if msg.Role == "system" {
			systemInstruction = &content{Parts: []part{{Text: msg.Content}}}
			continue
		}
		role := "user"
		if msg.Role == "assistant" {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: msg.Content}}})
	}

	reqBody := map[string]any{
		"contents": contents,
		"generationConfig": map[string]any{
			"temperature":     config.Temperature,
			"maxOutputTokens": config.MaxTokens,
		},
	}
	if systemInstruction != nil {
		reqBody["systemInstruction"] = systemInstruction
	}

	model := config.Model
	if model == "" {
		model = c.model
	}
	return c.generateContentForModel(ctx, model, reqBody)
}

func (c *Client) generateContent(ctx context.Context, reqBody map[string]any) (string, error) {
	return c.generateContentForModel(ctx, c.model, reqBody)
}

func (c *Client) generateContentForModel(ctx context.Context, model string, reqBody map[string]any) (string, error) {
	apiURL := fmt.Sprintf("https://%s/v1beta/models/%s:generateContent?key=%s", c.host, model, c.apiKey)

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPStatus(resp)
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", &ai.ProviderError{Class: ai.ErrUnknown, Err: err}
	}

	if len(result.Candidates) > 0 && len(result.Candidates[0].Content.Parts) > 0 {
		return result.Candidates[0].Content.Parts[0].Text, nil
	}

	return "", &ai.ProviderError{Class: ai.ErrServer, Err: fmt.Errorf("no content in gemini response")}
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
		return &ai.ProviderError{Class: ai.ErrRateLimited, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Err: statusErr}
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
