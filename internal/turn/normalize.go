package turn

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// stripEmphasis removes the markdown emphasis delimiters (*, _, and their doubled forms) from src
// and keeps everything else byte for byte. Delimiters inside code spans and code blocks are not
// emphasis and stay in place, as do unmatched ones.
func stripEmphasis(src string) string {
	source := []byte(src)
	if !bytes.ContainsAny(source, "*_") {
		return src
	}

	drop := make([]bool, len(source))

	doc := markdown.Parser().Parse(text.NewReader(source))
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		em, ok := n.(*ast.Emphasis)
		if !ok {
			return ast.WalkContinue, nil
		}

		open, okOpen := openingAt(source, em)
		closing, okClose := closingAt(source, em)
		if !okOpen || !okClose || closing < open+em.Level {
			return ast.WalkContinue, nil
		}
		if !isDelimiterRun(source, open, em.Level) || !isDelimiterRun(source, closing, em.Level) {
			return ast.WalkContinue, nil
		}
		for i := range em.Level {
			drop[open+i] = true
			drop[closing+i] = true
		}
		return ast.WalkContinue, nil
	})

	removed := 0
	for _, d := range drop {
		if d {
			removed++
		}
	}
	if removed == 0 {
		return src
	}

	out := make([]byte, 0, len(source)-removed)
	for i, b := range source {
		if !drop[i] {
			out = append(out, b)
		}
	}
	return string(out)
}

// nodeStart returns the source offset where a text node or an emphasis (its opening delimiter)
// begins. Other inlines such as links and code spans carry no segment of their own.
func nodeStart(source []byte, n ast.Node) (int, bool) {
	switch n := n.(type) {
	case *ast.Text:
		return n.Segment.Start, true
	case *ast.Emphasis:
		return openingAt(source, n)
	}
	return 0, false
}

// nodeStop returns the source offset just past a text node or past the closing delimiter of an
// emphasis.
func nodeStop(source []byte, n ast.Node) (int, bool) {
	switch n := n.(type) {
	case *ast.Text:
		return n.Segment.Stop, true
	case *ast.Emphasis:
		closing, ok := closingAt(source, n)
		return closing + n.Level, ok
	}
	return 0, false
}

// openingAt returns the offset of the opening delimiter run of em. It is found from the first
// child when that child has a segment, otherwise from what precedes em.
func openingAt(source []byte, em *ast.Emphasis) (int, bool) {
	if fc := em.FirstChild(); fc != nil {
		if start, ok := nodeStart(source, fc); ok {
			return start - em.Level, true
		}
	}
	return leftBoundary(source, em)
}

// closingAt returns the offset of the closing delimiter run of em.
func closingAt(source []byte, em *ast.Emphasis) (int, bool) {
	if lc := em.LastChild(); lc != nil {
		if stop, ok := nodeStop(source, lc); ok {
			return stop, true
		}
	}
	stop, ok := rightBoundary(source, em)
	return stop - em.Level, ok
}

// leftBoundary returns the offset where n begins, taken from its previous sibling, its enclosing
// emphasis or the first line of its block.
func leftBoundary(source []byte, n ast.Node) (int, bool) {
	if prev := n.PreviousSibling(); prev != nil {
		stop, ok := nodeStop(source, prev)
		return skipSpaceForward(source, stop), ok
	}
	switch parent := n.Parent().(type) {
	case nil:
		return 0, false
	case *ast.Emphasis:
		open, ok := openingAt(source, parent)
		return open + parent.Level, ok
	default:
		if parent.Type() != ast.TypeBlock || parent.Lines().Len() == 0 {
			return 0, false
		}
		return skipSpaceForward(source, parent.Lines().At(0).Start), true
	}
}

// rightBoundary returns the offset just past n, taken from its next sibling, its enclosing emphasis
// or the last line of its block.
func rightBoundary(source []byte, n ast.Node) (int, bool) {
	if next := n.NextSibling(); next != nil {
		start, ok := nodeStart(source, next)
		return skipSpaceBackward(source, start), ok
	}
	switch parent := n.Parent().(type) {
	case nil:
		return 0, false
	case *ast.Emphasis:
		return closingAt(source, parent)
	default:
		lines := parent.Lines()
		if parent.Type() != ast.TypeBlock || lines.Len() == 0 {
			return 0, false
		}
		return skipSpaceBackward(source, lines.At(lines.Len()-1).Stop), true
	}
}

func skipSpaceForward(source []byte, at int) int {
	for at >= 0 && at < len(source) && isSpace(source[at]) {
		at++
	}
	return at
}

func skipSpaceBackward(source []byte, at int) int {
	for at > 0 && at <= len(source) && isSpace(source[at-1]) {
		at--
	}
	return at
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func isDelimiterRun(source []byte, at, level int) bool {
	if at < 0 || at+level > len(source) {
		return false
	}
	c := source[at]
	if c != '*' && c != '_' {
		return false
	}
	for _, b := range source[at : at+level] {
		if b != c {
			return false
		}
	}
	return true
}
