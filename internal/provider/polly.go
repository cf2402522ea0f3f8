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

// Polly forwards synthesis to the AWS Polly bridge function. The bridge
// authenticates workers with a shared x-worker-auth token.
type Polly struct {
	bridgeURL string
	authToken string
	client    *http.Client
}

// NewPolly creates the adapter. bridgeURL is the deployed bridge endpoint.
func NewPolly(bridgeURL, authToken string, timeout time.Duration) *Polly {
	return &Polly{
		bridgeURL: bridgeURL,
		authToken: authToken,
		client:    newHTTPClient(timeout),
	}
}

func (p *Polly) Name() string { return "polly" }

func (p *Polly) Synthesize(ctx context.Context, sreq SynthesisRequest) (*Audio, error) {
	if p.bridgeURL == "" {
		return nil, ErrNotConfigured
	}

	voiceType := "basis"
	if sreq.Premium {
		voiceType = "premium"
	}
	body, err := json.Marshal(map[string]string{
		"text":       sreq.Text,
		"voiceId":    sreq.VoiceID,
		"voice_type": voiceType,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.bridgeURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.authToken != "" {
		req.Header.Set("x-worker-auth", p.authToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polly bridge request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Provider: "polly", Status: resp.StatusCode, Detail: string(detail)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read polly audio: %w", err)
	}
	return &Audio{ContentType: "audio/mpeg", Data: data}, nil
}
