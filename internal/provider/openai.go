package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultChatModel = "gpt-3.5-turbo"
	defaultTTSModel  = "gpt-4o-mini-tts"
)

// OpenAI adapts the OpenAI chat and speech APIs. It serves both paid
// operations: text processing via chat completions and TTS via audio/speech.
type OpenAI struct {
	apiKey    string
	chatModel string
	ttsModel  string
	baseURL   string
	client    *http.Client
}

// NewOpenAI creates the adapter. Empty model names fall back to the defaults.
func NewOpenAI(apiKey, chatModel, ttsModel string, timeout time.Duration) *OpenAI {
	if chatModel == "" {
		chatModel = defaultChatModel
	}
	if ttsModel == "" {
		ttsModel = defaultTTSModel
	}
	return &OpenAI{
		apiKey:    apiKey,
		chatModel: chatModel,
		ttsModel:  ttsModel,
		baseURL:   "https://api.openai.com",
		client:    newHTTPClient(timeout),
	}
}

func (o *OpenAI) Name() string { return "openai" }

// WithBaseURL points the adapter at a different endpoint. Used in tests.
func (o *OpenAI) WithBaseURL(url string) *OpenAI {
	o.baseURL = url
	return o
}

func (o *OpenAI) Process(ctx context.Context, prompt, text string) (string, error) {
	if o.apiKey == "" {
		return "", ErrNotConfigured
	}

	payload := map[string]any{
		"model": o.chatModel,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf("Aufgabe: %s\nZu bearbeitender Text: %q", prompt, text)},
		},
		"temperature": 0.7,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{Provider: "openai", Status: resp.StatusCode, Detail: string(detail)}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", &APIError{Provider: "openai", Status: resp.StatusCode, Detail: "empty completion"}
	}
	return result.Choices[0].Message.Content, nil
}

func (o *OpenAI) Synthesize(ctx context.Context, sreq SynthesisRequest) (*Audio, error) {
	if o.apiKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(map[string]string{
		"model": o.ttsModel,
		"input": sreq.Text,
		"voice": sreq.VoiceID,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/audio/speech", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Provider: "openai", Status: resp.StatusCode, Detail: string(detail)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openai audio: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return &Audio{ContentType: contentType, Data: data}, nil
}
