package relay

import "strings"

// PendingResponse accumulates the assistant output of the current turn so a
// completed turn can be logged whole and an interrupted one discarded whole.
type PendingResponse struct {
	text       strings.Builder
	audioBytes int
	chunks     int
}

func NewPendingResponse() *PendingResponse {
	return &PendingResponse{}
}

func (p *PendingResponse) AppendText(delta string) {
	p.text.WriteString(delta)
}

func (p *PendingResponse) AppendAudio(pcm []byte) {
	p.audioBytes += len(pcm)
	p.chunks++
}

// Text returns the transcript accumulated so far.
func (p *PendingResponse) Text() string { return p.text.String() }

// AudioBytes returns the total PCM payload size accumulated so far.
func (p *PendingResponse) AudioBytes() int { return p.audioBytes }

// Chunks returns how many audio deltas arrived this turn.
func (p *PendingResponse) Chunks() int { return p.chunks }

// Reset discards everything accumulated for the current turn.
func (p *PendingResponse) Reset() {
	p.text.Reset()
	p.audioBytes = 0
	p.chunks = 0
}
