package protocol

import "strings"

// StreamGuard sits between a streaming model and a display so that a marker
// is never shown while it is being generated. Text is passed through until
// the first "[[" appears; everything from there on is held back until the
// stream ends and Finish decides what part of it is real content.
//
// A StreamGuard is not safe for concurrent use.
type StreamGuard struct {
	raw     strings.Builder
	emitted strings.Builder
	pending string // a lone trailing "[" that may start a marker
	holding bool
}

// Push records chunk and returns the part of it that is safe to display now.
func (g *StreamGuard) Push(chunk string) string {
	g.raw.WriteString(chunk)
	if g.holding {
		return ""
	}

	text := g.pending + chunk
	g.pending = ""

	if i := strings.Index(text, Opening); i >= 0 {
		g.holding = true
		return g.emit(text[:i])
	}
	if strings.HasSuffix(text, "[") {
		g.pending = "["
		text = text[:len(text)-1]
	}
	return g.emit(text)
}

// Raw returns everything pushed so far.
func (g *StreamGuard) Raw() string {
	return g.raw.String()
}

// Shown returns the text displayed so far.
func (g *StreamGuard) Shown() string {
	return g.emitted.String()
}

// Finish returns the remainder of clean that has not been displayed yet,
// given that clean is the final display text for the stream. If the
// displayed prefix no longer matches clean (for example because the reply
// was replaced by a moderation notice) it returns "".
func (g *StreamGuard) Finish(clean string) string {
	return Remainder(g.emitted.String(), clean)
}

// Remainder returns the part of clean that follows shown, ignoring
// whitespace around shown. It returns "" when clean does not start with
// shown.
func Remainder(shown, clean string) string {
	for _, prefix := range []string{
		shown,
		strings.TrimLeft(shown, " \t\r\n"),
		strings.TrimSpace(shown),
	} {
		if strings.HasPrefix(clean, prefix) {
			return clean[len(prefix):]
		}
	}
	return ""
}

func (g *StreamGuard) emit(s string) string {
	g.emitted.WriteString(s)
	return s
}
