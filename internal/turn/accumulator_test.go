package turn_test

import (
	"strings"
	"testing"

	"github.com/MegaGrindStone/chatturn/internal/turn"
	"github.com/stretchr/testify/assert"
)

func TestAccumulatorOrder(t *testing.T) {
	fragments := []string{"The ", "quick", " brown", " fox", "\n", "jumps"}

	var acc turn.Accumulator
	var partials []string
	for _, f := range fragments {
		partials = append(partials, acc.Append(f))
	}

	assert.Equal(t, strings.Join(fragments, ""), acc.Value())
	assert.Equal(t, "The quick", partials[1])
	assert.Equal(t, len(fragments), acc.Tokens())
}

func TestAccumulatorFinalize(t *testing.T) {
	tests := []struct {
		name      string
		fragments []string
		want      string
	}{
		{
			name:      "plain text",
			fragments: []string{"Hel", "lo"},
			want:      "Hello",
		},
		{
			name:      "trims surrounding whitespace",
			fragments: []string{"\n  ", "Hello", " \n\n"},
			want:      "Hello",
		},
		{
			name:      "no fragments",
			fragments: nil,
			want:      turn.NoResponseText,
		},
		{
			name:      "only whitespace",
			fragments: []string{"  ", "\n"},
			want:      turn.NoResponseText,
		},
		{
			name:      "strong and emphasis",
			fragments: []string{"**Bo", "ld** and *it*"},
			want:      "Bold and it",
		},
		{
			name:      "underscore forms",
			fragments: []string{"__strong__ _em_"},
			want:      "strong em",
		},
		{
			name:      "nested",
			fragments: []string{"***both*** and **outer *inner* text**"},
			want:      "both and outer inner text",
		},
		{
			name:      "emphasized link",
			fragments: []string{"*[x](u)*"},
			want:      "[x](u)",
		},
		{
			name:      "emphasized link mid sentence",
			fragments: []string{"see *[docs](https://e.com/a_b)* now"},
			want:      "see [docs](https://e.com/a_b) now",
		},
		{
			name:      "strong code span",
			fragments: []string{"**`code`** here"},
			want:      "`code` here",
		},
		{
			name:      "strong code span before line break",
			fragments: []string{"**`a`**\nnext"},
			want:      "`a`\nnext",
		},
		{
			name:      "code span untouched",
			fragments: []string{"use `**kwargs` here"},
			want:      "use `**kwargs` here",
		},
		{
			name:      "arithmetic untouched",
			fragments: []string{"2 * 3 * 4 = 24"},
			want:      "2 * 3 * 4 = 24",
		},
		{
			name:      "intraword underscores untouched",
			fragments: []string{"call snake_case_name now"},
			want:      "call snake_case_name now",
		},
		{
			name:      "unmatched marker kept",
			fragments: []string{"**unfinished"},
			want:      "**unfinished",
		},
		{
			name:      "multi paragraph",
			fragments: []string{"# Title\n\nSome **bold**\n\n- item *one*\n"},
			want:      "# Title\n\nSome bold\n\n- item one",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var acc turn.Accumulator
			for _, f := range tt.fragments {
				acc.Append(f)
			}
			assert.Equal(t, tt.want, acc.Finalize())
			assert.Equal(t, tt.want, acc.Value())
		})
	}
}

func TestAccumulatorFrozenAfterFinalize(t *testing.T) {
	var acc turn.Accumulator
	acc.Append("done")
	final := acc.Finalize()

	assert.Equal(t, final, acc.Append(" more"))
	assert.Equal(t, "done", acc.Finalize())
	assert.Equal(t, "done", acc.Value())
	assert.Equal(t, 1, acc.Tokens())
}
