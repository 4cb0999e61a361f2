package converter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const DefaultMaxChunkRunes = 120

// Chunker splits streamed text at sentence boundaries so each chunk can be
// shown and spoken as soon as it is complete. Concatenating every chunk
// returned by Push and Flush reproduces the input exactly.
type Chunker struct {
	maxRunes int
	buf      strings.Builder
	// carry holds whitespace-only output waiting to be joined to the next chunk.
	carry string
}

func NewChunker(maxRunes int) *Chunker {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxChunkRunes
	}
	return &Chunker{maxRunes: maxRunes}
}

// Push appends text and returns the chunks it completed.
func (c *Chunker) Push(text string) []string {
	if text == "" {
		return nil
	}
	c.buf.WriteString(text)

	var out []string
	s := c.buf.String()
	for {
		cut := c.boundary(s)
		if cut <= 0 {
			break
		}
		if chunk, ok := c.emit(s[:cut]); ok {
			out = append(out, chunk)
		}
		s = s[cut:]
	}
	c.buf.Reset()
	c.buf.WriteString(s)
	return out
}

// Flush returns whatever is buffered, or "" when nothing is left.
func (c *Chunker) Flush() string {
	rest := c.carry + c.buf.String()
	c.carry = ""
	c.buf.Reset()
	return rest
}

func (c *Chunker) emit(chunk string) (string, bool) {
	chunk = c.carry + chunk
	if strings.TrimSpace(chunk) == "" {
		c.carry = chunk
		return "", false
	}
	c.carry = ""
	return chunk, true
}

// boundary returns the byte offset just past the first complete chunk in s,
// trailing whitespace included, or 0 when s holds no complete chunk yet.
func (c *Chunker) boundary(s string) int {
	runes := 0
	for i, r := range s {
		runes++
		size := utf8.RuneLen(r)
		end := i + size

		switch r {
		case '。', '！', '？', '!', '?', '；', ';', '\n':
			return absorbSpace(s, end)
		case '.':
			if end == len(s) {
				// Wait for the next rune to tell "3.5" from "done. ".
				return 0
			}
			next, _ := utf8.DecodeRuneInString(s[end:])
			if unicode.IsSpace(next) {
				return absorbSpace(s, end)
			}
		}

		if runes >= c.maxRunes {
			return end
		}
	}
	return 0
}

func absorbSpace(s string, at int) int {
	for at < len(s) {
		r, size := utf8.DecodeRuneInString(s[at:])
		if r == '\n' || !unicode.IsSpace(r) {
			break
		}
		at += size
	}
	return at
}
