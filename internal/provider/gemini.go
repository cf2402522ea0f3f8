package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini adapts the Google generative-language and cloud TTS APIs.
type Gemini struct {
	apiKey string
	model  string
	genURL string
	ttsURL string
	client *http.Client
}

// NewGemini creates the adapter. An empty model falls back to the default.
func NewGemini(apiKey, model string, timeout time.Duration) *Gemini {
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{
		apiKey: apiKey,
		model:  model,
		genURL: "https://generativelanguage.googleapis.com",
		ttsURL: "https://texttospeech.googleapis.com",
		client: newHTTPClient(timeout),
	}
}

func (g *Gemini) Name() string { return "gemini" }

// WithBaseURLs points the adapter at different endpoints. Used in tests.
func (g *Gemini) WithBaseURLs(genURL, ttsURL string) *Gemini {
	g.genURL = genURL
	g.ttsURL = ttsURL
	return g
}

func (g *Gemini) Process(ctx context.Context, prompt, text string) (string, error) {
	if g.apiKey == "" {
		return "", ErrNotConfigured
	}

	payload := map[string]any{
		"contents": []map[string]any{
			{
				"role": "user",
				"parts": []map[string]string{
					{"text": fmt.Sprintf("Aufgabe: %s\nZu bearbeitender Text: %q", prompt, text)},
				},
			},
		},
		"generationConfig": map[string]any{"temperature": 0.7},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		g.genURL, g.model, url.QueryEscape(g.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{Provider: "gemini", Status: resp.StatusCode, Detail: string(detail)}
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
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", &APIError{Provider: "gemini", Status: resp.StatusCode, Detail: "empty candidate"}
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}

// Synthesize uses the Google cloud TTS endpoint, which returns base64 MP3.
func (g *Gemini) Synthesize(ctx context.Context, sreq SynthesisRequest) (*Audio, error) {
	if g.apiKey == "" {
		return nil, ErrNotConfigured
	}

	voice := map[string]string{"languageCode": "de-DE"}
	if sreq.VoiceID != "" {
		voice["name"] = sreq.VoiceID
	}
	body, err := json.Marshal(map[string]any{
		"input":       map[string]string{"text": sreq.Text},
		"voice":       voice,
		"audioConfig": map[string]string{"audioEncoding": "MP3"},
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/text:synthesize?key=%s", g.ttsURL, url.QueryEscape(g.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Provider: "gemini", Status: resp.StatusCode, Detail: string(detail)}
	}

	var result struct {
		AudioContent string `json:"audioContent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode google tts response: %w", err)
	}
	if result.AudioContent == "" {
		return nil, &APIError{Provider: "gemini", Status: resp.StatusCode, Detail: "missing audioContent"}
	}
	data, err := base64.StdEncoding.DecodeString(result.AudioContent)
	if err != nil {
		return nil, fmt.Errorf("decode audio content: %w", err)
	}
	return &Audio{ContentType: "audio/mpeg", Data: data}, nil
}
