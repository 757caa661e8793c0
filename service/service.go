// Package service declares the interface boundary to the slow, rate-limited
// external services the pipeline drives. The engine treats both as opaque:
// it only cares whether a failure is retryable (transient throttling) or
// fatal, which the retry package decides.
package service

import (
	"context"
	"encoding/json"
)

// Request identifies one unit of work submitted to a service.
type Request struct {
	// Key is the item's identity, stable across resumed runs.
	Key string `json:"key"`

	// Group is the parent grouping key (e.g. the file a function lives in).
	Group string `json:"group,omitempty"`

	// Content is the payload handed to the service.
	Content string `json:"content"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Analysis is a structured result produced by the analysis service. Details
// is opaque to the engine.
type Analysis struct {
	Key     string          `json:"key"`
	Group   string          `json:"group,omitempty"`
	Summary string          `json:"summary,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

// Artifact is an output produced by the generation service.
type Artifact struct {
	Name    string `json:"name"`
	Target  string `json:"target"`
	Content []byte `json:"content"`
}

// Analyzer is a possibly slow, possibly rate-limited analysis capability.
type Analyzer interface {
	Analyze(ctx context.Context, req *Request) (*Analysis, error)
}

// Generator produces an artifact from an analysis for a given target.
type Generator interface {
	Generate(ctx context.Context, analysis *Analysis, target string) (*Artifact, error)
}
