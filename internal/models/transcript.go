package models

// Segment is a single timed span of transcribed speech.
type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Transcript is the immutable output of a transcription run. It is written
// once to the result cache under the job's fingerprint and never mutated.
type Transcript struct {
	Fingerprint         string    `json:"fingerprint"`
	Language            string    `json:"language"`
	LanguageProbability float64   `json:"language_probability"`
	Duration            float64   `json:"duration"`     // audio length in seconds
	ProcessTime         float64   `json:"process_time"` // wall-clock transcription seconds
	Text                string    `json:"text"`
	Segments            []Segment `json:"segments"`
}
