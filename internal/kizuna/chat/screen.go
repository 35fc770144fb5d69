package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/bdobrica/Kizuna/internal/kizuna/moderation"
	"github.com/bdobrica/Kizuna/internal/kizuna/protocol"
)

// replyScreen moderates streamed reply text before it reaches the consumer.
// Text is released only up to the last word boundary, and only while
// everything released so far passes the gate. Once a release would fail the
// gate the screen closes and drops the rest of the stream.
type replyScreen struct {
	gate    moderation.Gate
	out     func(string) error
	shown   strings.Builder
	held    string
	blocked bool
}

func newReplyScreen(gate moderation.Gate, out func(string) error) *replyScreen {
	return &replyScreen{gate: gate, out: out}
}

// Write offers text to the consumer. A trailing partial word is held until
// the next call, so a blocked word split across chunks is still caught.
func (s *replyScreen) Write(text string) error {
	if s.blocked {
		return nil
	}
	s.held += text
	cut := wordBoundary(s.held)
	if cut == 0 {
		return nil
	}
	return s.release(cut)
}

// Finish releases the part of clean, the final display text, that has not
// been shown yet.
func (s *replyScreen) Finish(clean string) error {
	if s.blocked {
		return nil
	}
	s.held = protocol.Remainder(s.shown.String(), clean)
	if s.held == "" {
		return nil
	}
	return s.release(len(s.held))
}

// Shown returns the text released so far.
func (s *replyScreen) Shown() string {
	return s.shown.String()
}

// Blocked reports whether the screen withheld text from the consumer.
func (s *replyScreen) Blocked() bool {
	return s.blocked
}

func (s *replyScreen) release(n int) error {
	chunk := s.held[:n]
	if !s.gate.IsSafe(s.shown.String() + chunk) {
		s.blocked = true
		s.held = ""
		return nil
	}
	s.held = s.held[n:]
	s.shown.WriteString(chunk)
	return s.out(chunk)
}

// wordBoundary returns the length of the longest prefix of text that ends
// on an ASCII non-word byte, matching the \b the gate's patterns use.
// Non-ASCII bytes are treated as word bytes so a rune is never split.
func wordBoundary(text string) int {
	for i := len(text) - 1; i >= 0; i-- {
		b := text[i]
		if b < utf8.RuneSelf && !isWordByte(b) {
			return i + 1
		}
	}
	return 0
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
