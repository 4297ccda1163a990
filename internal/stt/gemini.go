package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// Gemini 2.5 Flash list prices in USD per million tokens.
const (
	geminiAudioInputPerM = 1.00
	geminiOutputPerM     = 2.50
)

const geminiInstruction = "Transcribe the speech in this recording verbatim. " +
	"Reply with the transcript only, without commentary or timestamps. " +
	"If nothing intelligible is said, reply with [inaudible]."

// GeminiProvider implements Transcriber with a Gemini multimodal model.
type GeminiProvider struct {
	client *genai.Client
}

// NewGemini creates a Gemini provider. baseURL overrides the API endpoint
// and may be empty.
func NewGemini(ctx context.Context, apiKey, baseURL string, httpClient *http.Client) (*GeminiProvider, error) {
	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Name returns the provider identifier.
func (g *GeminiProvider) Name() string { return "gemini" }

// Transcribe sends the audio inline with a transcription instruction.
func (g *GeminiProvider) Transcribe(ctx context.Context, audio io.Reader, opts Options) (*Transcript, error) {
	data, err := io.ReadAll(audio)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	instruction := geminiInstruction
	if opts.Language != "" {
		instruction += " The speaker's language is " + opts.Language + "."
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(instruction),
			genai.NewPartFromBytes(data, mimeType(opts.Format)),
		}, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		return nil, g.wrapError(err)
	}

	t := &Transcript{Text: strings.TrimSpace(resp.Text()), Language: opts.Language}
	if u := resp.UsageMetadata; u != nil {
		t.InputTokens = int64(u.PromptTokenCount)
		t.OutputTokens = int64(u.CandidatesTokenCount)
		t.CostUSD = float64(t.InputTokens)/1e6*geminiAudioInputPerM + float64(t.OutputTokens)/1e6*geminiOutputPerM
	}
	return t, nil
}

// wrapError maps SDK errors onto APIError so retry classification is shared
// with the other providers.
func (g *GeminiProvider) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &APIError{Provider: g.Name(), StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &APIError{Provider: g.Name(), StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message}
	}
	return fmt.Errorf("gemini request: %w", err)
}
