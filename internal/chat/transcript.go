package chat

// Transcript is the plain-text message log shown on screen.
type Transcript struct {
	text string
}

// Reset empties the transcript.
func (t *Transcript) Reset() {
	t.text = ""
}

// Append adds s after all existing content.
func (t *Transcript) Append(s string) {
	t.text += s
}

// Prepend inserts s before all existing content.
func (t *Transcript) Prepend(s string) {
	t.text = s + t.text
}

// String returns the whole transcript.
func (t *Transcript) String() string {
	return t.text
}
