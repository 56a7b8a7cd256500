package submit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/scriba/internal/models"
)

func fingerprintOf(t *testing.T, data string, opts models.SubmitOptions) string {
	t.Helper()
	fp := NewFingerprinter()
	_, err := fp.Write([]byte(data))
	assert.NoError(t, err)
	return fp.Sum(opts)
}

func TestFingerprintDeterministic(t *testing.T) {
	opts := models.SubmitOptions{Language: "en", VADFilter: true, InitialPrompt: "hello"}

	a := fingerprintOf(t, "audio-bytes", opts)
	b := fingerprintOf(t, "audio-bytes", opts)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex sha256
}

func TestFingerprintSensitivity(t *testing.T) {
	base := fingerprintOf(t, "audio-bytes", models.SubmitOptions{Language: "en"})

	assert.NotEqual(t, base, fingerprintOf(t, "other-bytes", models.SubmitOptions{Language: "en"}))
	assert.NotEqual(t, base, fingerprintOf(t, "audio-bytes", models.SubmitOptions{Language: "de"}))
	assert.NotEqual(t, base, fingerprintOf(t, "audio-bytes", models.SubmitOptions{Language: "en", VADFilter: true}))
	assert.NotEqual(t, base, fingerprintOf(t, "audio-bytes", models.SubmitOptions{Language: "en", InitialPrompt: "x"}))
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	// Values must not bleed across field boundaries
	a := fingerprintOf(t, "audio", models.SubmitOptions{Language: "en", InitialPrompt: "x"})
	b := fingerprintOf(t, "audio", models.SubmitOptions{Language: "enx", InitialPrompt: ""})
	assert.NotEqual(t, a, b)
}

func TestFingerprintIgnoresNothingElse(t *testing.T) {
	// Same bytes and options always collide, regardless of how the bytes
	// arrive: one write or many
	fp := NewFingerprinter()
	fp.Write([]byte("au"))
	fp.Write([]byte("dio"))
	chunked := fp.Sum(models.SubmitOptions{})

	assert.Equal(t, fingerprintOf(t, "audio", models.SubmitOptions{}), chunked)
}
