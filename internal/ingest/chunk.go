package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkSize is the maximum chunk length in characters.
const DefaultChunkSize = 1200

// Chunk splits text into chunks of at most maxChars characters. Paragraphs
// separated by blank lines are kept together where they fit; a paragraph
// longer than maxChars is split at word boundaries.
func Chunk(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultChunkSize
	}

	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
		curLen = 0
	}

	for _, para := range paragraphs(text) {
		n := utf8.RuneCountInString(para)
		if n > maxChars {
			flush()
			chunks = append(chunks, splitWords(para, maxChars)...)
			continue
		}
		sep := 0
		if curLen > 0 {
			sep = 2
		}
		if curLen+sep+n > maxChars {
			flush()
			sep = 0
		}
		if sep > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
		curLen += sep + n
	}
	flush()
	return chunks
}

// paragraphs splits on blank lines and collapses whitespace inside each
// paragraph.
func paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(text, "\n\n") {
		p := strings.Join(strings.Fields(block), " ")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitWords(para string, maxChars int) []string {
	var out []string
	var cur []rune
	for _, word := range strings.FieldsFunc(para, unicode.IsSpace) {
		w := []rune(word)
		for len(w) > maxChars {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
			out = append(out, string(w[:maxChars]))
			w = w[maxChars:]
		}
		if len(cur) > 0 && len(cur)+1+len(w) > maxChars {
			out = append(out, string(cur))
			cur = cur[:0]
		}
		if len(cur) > 0 {
			cur = append(cur, ' ')
		}
		cur = append(cur, w...)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}
