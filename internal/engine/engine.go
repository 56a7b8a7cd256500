package engine

import (
	"context"
	"fmt"

	"github.com/ternarybob/scriba/internal/common"
	"github.com/ternarybob/scriba/internal/models"
)

// Request carries everything a transcription run needs: the audio path on
// local disk and the recognition options that shaped the fingerprint.
type Request struct {
	AudioPath     string
	Language      string // ISO 639-1 hint, empty for auto-detect
	VADFilter     bool
	InitialPrompt string
}

// Transcriber converts an audio file into a transcript. Implementations
// must honor ctx cancellation: the worker cancels the context on timeout
// and on cooperative job cancellation.
type Transcriber interface {
	// Transcribe runs recognition on the request's audio file.
	Transcribe(ctx context.Context, req Request) (*models.Transcript, error)

	// Info describes the loaded model for health reporting.
	Info() common.EngineConfig
}

// New instantiates the engine named by config.Type.
func New(config common.EngineConfig) (Transcriber, error) {
	switch config.Type {
	case "command", "":
		return NewCommandEngine(config), nil
	case "mock":
		return NewMockEngine(config), nil
	default:
		return nil, fmt.Errorf("unknown engine type: %s", config.Type)
	}
}
