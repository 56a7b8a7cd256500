package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/ternarybob/scriba/internal/common"
	"github.com/ternarybob/scriba/internal/models"
)

// CommandEngine shells out to an external transcriber binary. The binary
// receives the audio path and options as flags and writes a single JSON
// transcript to stdout. Model weights stay in the transcriber process, so
// a worker slot recycle gets a fresh process with fresh memory.
type CommandEngine struct {
	config common.EngineConfig
}

// commandOutput is the JSON contract with the transcriber binary.
type commandOutput struct {
	Language            string  `json:"language"`
	LanguageProbability float64 `json:"language_probability"`
	Duration            float64 `json:"duration"`
	Text                string  `json:"text"`
	Segments            []struct {
		Start      float64  `json:"start"`
		End        float64  `json:"end"`
		Text       string   `json:"text"`
		Confidence *float64 `json:"confidence,omitempty"`
	} `json:"segments"`
}

// NewCommandEngine creates a new CommandEngine instance
func NewCommandEngine(config common.EngineConfig) *CommandEngine {
	if config.Command == "" {
		config.Command = "whisper-transcribe"
	}
	return &CommandEngine{config: config}
}

func (e *CommandEngine) Info() common.EngineConfig {
	return e.config
}

// Transcribe runs the transcriber binary against the audio file.
func (e *CommandEngine) Transcribe(ctx context.Context, req Request) (*models.Transcript, error) {
	started := time.Now()

	args := []string{
		"--model", e.config.Model,
		"--device", e.config.Device,
		"--compute-type", e.config.Precision,
		"--output-format", "json",
	}
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}
	if req.VADFilter {
		args = append(args, "--vad-filter")
	}
	if req.InitialPrompt != "" {
		args = append(args, "--initial-prompt", req.InitialPrompt)
	}
	args = append(args, req.AudioPath)

	cmd := exec.CommandContext(ctx, e.config.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: transcriber exited with code %d: %s",
				errEngine, exitErr.ExitCode(), firstLine(stderr.String()))
		}
		return nil, fmt.Errorf("%w: failed to run transcriber: %v", errEngine, err)
	}

	var out commandOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("%w: unparseable transcriber output: %v", errEngine, err)
	}

	transcript := &models.Transcript{
		Language:            out.Language,
		LanguageProbability: out.LanguageProbability,
		Duration:            out.Duration,
		ProcessTime:         time.Since(started).Seconds(),
		Text:                out.Text,
		Segments:            make([]models.Segment, 0, len(out.Segments)),
	}
	for _, s := range out.Segments {
		transcript.Segments = append(transcript.Segments, models.Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       s.Text,
			Confidence: s.Confidence,
		})
	}

	return transcript, nil
}

// errEngine marks failures originating in the transcriber process, as
// opposed to context cancellation or local IO.
var errEngine = errors.New("engine error")

// IsEngineError reports whether err came from the transcriber itself.
func IsEngineError(err error) bool {
	return errors.Is(err, errEngine)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
