package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Voice describes one selectable voice of a speech provider.
type Voice struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Name      string `json:"name"`
	Locale    string `json:"locale,omitempty"`
	SampleURL string `json:"sampleUrl,omitempty"`
}

// ElevenLabs adapts the ElevenLabs TTS API. The voice catalog changes
// rarely, so listings are cached with a TTL like the price oracle pattern.
type ElevenLabs struct {
	apiKey  string
	baseURL string
	client  *http.Client

	mu         sync.RWMutex
	voices     []Voice
	lastUpdate time.Time
	ttl        time.Duration
}

// NewElevenLabs creates the adapter with the given voice-cache TTL.
func NewElevenLabs(apiKey string, cacheTTL time.Duration, timeout time.Duration) *ElevenLabs {
	return &ElevenLabs{
		apiKey:  apiKey,
		baseURL: "https://api.elevenlabs.io",
		client:  newHTTPClient(timeout),
		ttl:     cacheTTL,
	}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

// WithBaseURL points the adapter at a different endpoint. Used in tests.
func (e *ElevenLabs) WithBaseURL(url string) *ElevenLabs {
	e.baseURL = url
	return e
}

func (e *ElevenLabs) Synthesize(ctx context.Context, sreq SynthesisRequest) (*Audio, error) {
	if e.apiKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(map[string]any{
		"text": sreq.Text,
		"voice_settings": map[string]float64{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s", e.baseURL, url.PathEscape(sreq.VoiceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Provider: "elevenlabs", Status: resp.StatusCode, Detail: string(detail)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read elevenlabs audio: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return &Audio{ContentType: contentType, Data: data}, nil
}

// Voices returns the voice catalog, served from cache while fresh.
func (e *ElevenLabs) Voices(ctx context.Context) ([]Voice, error) {
	e.mu.RLock()
	if time.Since(e.lastUpdate) < e.ttl && e.voices != nil {
		voices := e.voices
		e.mu.RUnlock()
		return voices, nil
	}
	e.mu.RUnlock()

	voices, err := e.fetchVoices(ctx)
	if err != nil {
		// Serve the stale catalog if there is one.
		e.mu.RLock()
		cached := e.voices
		e.mu.RUnlock()
		if cached != nil {
			return cached, nil
		}
		return nil, err
	}

	e.mu.Lock()
	e.voices = voices
	e.lastUpdate = time.Now()
	e.mu.Unlock()

	return voices, nil
}

func (e *ElevenLabs) fetchVoices(ctx context.Context) ([]Voice, error) {
	if e.apiKey == "" {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/v1/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs voices request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Provider: "elevenlabs", Status: resp.StatusCode, Detail: string(detail)}
	}

	var result struct {
		Voices []struct {
			VoiceID    string `json:"voice_id"`
			Name       string `json:"name"`
			Language   string `json:"language"`
			PreviewURL string `json:"preview_url"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode voices response: %w", err)
	}

	voices := make([]Voice, 0, len(result.Voices))
	for _, v := range result.Voices {
		voices = append(voices, Voice{
			ID:        "elevenlabs:" + v.VoiceID,
			Provider:  "elevenlabs",
			Name:      v.Name,
			Locale:    v.Language,
			SampleURL: v.PreviewURL,
		})
	}
	return voices, nil
}
