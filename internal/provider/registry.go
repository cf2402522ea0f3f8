package provider

import "strings"

// Registry resolves a request's provider tag to a configured adapter.
// Tags are matched case-insensitively; "aws" is an alias for "polly".
type Registry struct {
	synths     map[string]Synthesizer
	processors map[string]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		synths:     make(map[string]Synthesizer),
		processors: make(map[string]Processor),
	}
}

// RegisterSynthesizer adds a speech adapter under its name.
func (r *Registry) RegisterSynthesizer(s Synthesizer) {
	r.synths[strings.ToLower(s.Name())] = s
}

// RegisterProcessor adds a text adapter under its name.
func (r *Registry) RegisterProcessor(p Processor) {
	r.processors[strings.ToLower(p.Name())] = p
}

// Synthesizer returns the speech adapter for tag.
func (r *Registry) Synthesizer(tag string) (Synthesizer, error) {
	s, ok := r.synths[canonical(tag)]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return s, nil
}

// Processor returns the text adapter for tag.
func (r *Registry) Processor(tag string) (Processor, error) {
	p, ok := r.processors[canonical(tag)]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

func canonical(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "aws" {
		return "polly"
	}
	return tag
}
