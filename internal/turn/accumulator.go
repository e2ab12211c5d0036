package turn

import (
	"strings"
)

// NoResponseText replaces the text of a turn that resolved without any output.
const NoResponseText = "No response received"

// Accumulator holds the text of the open assistant message. Fragments are concatenated in the
// order they are appended; after Finalize the text is frozen.
type Accumulator struct {
	sb     strings.Builder
	tokens int

	finalized bool
	final     string
}

// Append adds fragment to the end of the text and returns the current, unnormalized value.
// Fragments appended after Finalize are ignored.
func (a *Accumulator) Append(fragment string) string {
	if a.finalized {
		return a.final
	}
	a.sb.WriteString(fragment)
	a.tokens++
	return a.sb.String()
}

// Value returns the current text: the raw concatenation before Finalize, the normalized text after.
func (a *Accumulator) Value() string {
	if a.finalized {
		return a.final
	}
	return a.sb.String()
}

// Tokens returns how many fragments were appended before Finalize.
func (a *Accumulator) Tokens() int {
	return a.tokens
}

// Finalize strips emphasis markers, trims surrounding whitespace and freezes the text. An empty
// result becomes NoResponseText. Calling Finalize again returns the same text.
func (a *Accumulator) Finalize() string {
	if a.finalized {
		return a.final
	}
	final := strings.TrimSpace(stripEmphasis(a.sb.String()))
	if final == "" {
		final = NoResponseText
	}
	a.final = final
	a.finalized = true
	return final
}
