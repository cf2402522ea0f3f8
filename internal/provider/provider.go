// Package provider wraps the upstream AI and speech services that paid
// requests are forwarded to. Every adapter takes a context-bound HTTP call
// with a hard timeout, so a hung provider can never hold a debited charge
// open indefinitely.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConfigured   = errors.New("provider: not configured")
	ErrUnknownProvider = errors.New("provider: unknown provider")
)

// APIError reports an upstream provider failure with its HTTP status.
type APIError struct {
	Provider string
	Status   int
	Detail   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Provider, e.Status, e.Detail)
}

// DefaultTimeout bounds a single provider round trip.
const DefaultTimeout = 30 * time.Second

// SynthesisRequest asks a speech provider for audio.
type SynthesisRequest struct {
	Text    string
	VoiceID string
	Premium bool
}

// Audio is the synthesized result.
type Audio struct {
	ContentType string
	Data        []byte
}

// Synthesizer converts text to speech.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req SynthesisRequest) (*Audio, error)
}

// Processor rewrites text according to a prompt.
type Processor interface {
	Name() string
	Process(ctx context.Context, prompt, text string) (string, error)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
