package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"

	// whisperPricePerMinute is the published whisper-1 rate in USD.
	whisperPricePerMinute = 0.006
)

// WhisperProvider implements Transcriber over OpenAI's transcription API.
type WhisperProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewWhisper creates a Whisper provider. An empty baseURL uses OpenAI.
func NewWhisper(apiKey, baseURL string) *WhisperProvider {
	return NewWhisperWithClient(apiKey, baseURL, &http.Client{})
}

// NewWhisperWithClient creates a Whisper provider with a custom HTTP client.
func NewWhisperWithClient(apiKey, baseURL string, client *http.Client) *WhisperProvider {
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	return &WhisperProvider{
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: client,
	}
}

// Name returns the provider identifier.
func (w *WhisperProvider) Name() string { return "openai" }

// Transcribe uploads audio to /audio/transcriptions.
func (w *WhisperProvider) Transcribe(ctx context.Context, audio io.Reader, opts Options) (*Transcript, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	format := opts.Format
	if format == "" {
		format = "mp3"
	}
	fw, err := mw.CreateFormFile("file", "audio."+format)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = "whisper-1"
	}
	fields := map[string]string{
		"model":           model,
		"response_format": "verbose_json",
		"temperature":     "0",
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/audio/transcriptions", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+w.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &APIError{Provider: w.Name(), StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	var out whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &Transcript{
		Text:     strings.TrimSpace(out.Text),
		Language: out.Language,
		Duration: out.Duration,
		CostUSD:  out.Duration / 60 * whisperPricePerMinute,
	}, nil
}

type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// errorMessage extracts the human-readable message from an error body.
func errorMessage(body []byte) string {
	var parsed openAIErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response"
	}
	return msg
}
