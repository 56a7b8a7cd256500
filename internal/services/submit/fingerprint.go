package submit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/ternarybob/scriba/internal/models"
)

// Fingerprinter computes the content fingerprint: SHA-256 over the audio
// bytes followed by a canonical encoding of the recognition options.
// Identical audio submitted with different options hashes differently;
// filename and caller identity never participate.
type Fingerprinter struct {
	h hash.Hash
}

// NewFingerprinter creates a Fingerprinter ready to consume audio bytes.
func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{h: sha256.New()}
}

// Write feeds audio bytes into the hash. Implements io.Writer so the
// upload can be fingerprinted while it streams to disk.
func (f *Fingerprinter) Write(p []byte) (int, error) {
	return f.h.Write(p)
}

// Sum finalizes the fingerprint with the canonical options suffix.
func (f *Fingerprinter) Sum(opts models.SubmitOptions) string {
	f.h.Write(optionsSuffix(opts))
	return hex.EncodeToString(f.h.Sum(nil))
}

// optionsSuffix encodes options in a fixed order with NUL separators, so
// no concatenation of field values can collide with another combination.
func optionsSuffix(opts models.SubmitOptions) []byte {
	vad := 0
	if opts.VADFilter {
		vad = 1
	}
	return []byte(fmt.Sprintf("\x00lang=%s\x00vad=%d\x00prompt=%s",
		opts.Language, vad, opts.InitialPrompt))
}
