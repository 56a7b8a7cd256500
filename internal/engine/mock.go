package engine

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/scriba/internal/common"
	"github.com/ternarybob/scriba/internal/models"
)

// MockEngine returns a canned transcript without touching a real model.
// Used by tests and smoke deployments. Delay and failure injection are
// settable so worker behavior under slow or broken engines is testable.
type MockEngine struct {
	config common.EngineConfig

	mu     sync.Mutex
	delay  time.Duration
	err    error
	result *models.Transcript
	calls  int
}

// NewMockEngine creates a new MockEngine instance
func NewMockEngine(config common.EngineConfig) *MockEngine {
	return &MockEngine{config: config}
}

func (e *MockEngine) Info() common.EngineConfig {
	return e.config
}

// SetDelay makes subsequent calls take d before returning.
func (e *MockEngine) SetDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delay = d
}

// SetError makes subsequent calls fail with err.
func (e *MockEngine) SetError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// SetResult overrides the canned transcript.
func (e *MockEngine) SetResult(t *models.Transcript) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result = t
}

// Calls returns how many times Transcribe has run.
func (e *MockEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *MockEngine) Transcribe(ctx context.Context, req Request) (*models.Transcript, error) {
	e.mu.Lock()
	delay := e.delay
	injectedErr := e.err
	result := e.result
	e.calls++
	e.mu.Unlock()

	// The audio file must exist even for a mock run; a missing blob is a
	// worker-side failure the mock should surface the same way.
	if _, err := os.Stat(req.AudioPath); err != nil {
		return nil, err
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if injectedErr != nil {
		return nil, injectedErr
	}

	if result != nil {
		out := *result
		return &out, nil
	}

	language := req.Language
	if language == "" {
		language = "en"
	}
	return &models.Transcript{
		Language:            language,
		LanguageProbability: 0.99,
		Duration:            1.5,
		ProcessTime:         delay.Seconds(),
		Text:                "mock transcript",
		Segments: []models.Segment{
			{Start: 0, End: 1.5, Text: "mock transcript"},
		},
	}, nil
}
