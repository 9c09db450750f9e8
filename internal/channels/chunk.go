package channels

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// ChunkText splits text into pieces at most limit characters wide,
// preferring paragraph breaks, then line breaks, then word boundaries.
// Width is display width so CJK text chunks fairly.
func ChunkText(text string, limit int) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	if limit <= 0 || runewidth.StringWidth(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for runewidth.StringWidth(rest) > limit {
		head := truncateWidth(rest, limit)
		cut := len(head)
		if i := strings.LastIndex(head, "\n\n"); i > limit/4 {
			cut = i
		} else if i := strings.LastIndexByte(head, '\n'); i > limit/4 {
			cut = i
		} else if i := strings.LastIndexByte(head, ' '); i > limit/4 {
			cut = i
		}
		chunks = append(chunks, strings.TrimSpace(rest[:cut]))
		rest = strings.TrimLeft(rest[cut:], " \n")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

// truncateWidth returns the longest prefix of s within width cells, without
// splitting a rune.
func truncateWidth(s string, width int) string {
	w := 0
	for i, r := range s {
		rw := runewidth.RuneWidth(r)
		if w+rw > width {
			return s[:i]
		}
		w += rw
	}
	return s
}

// Truncate shortens a string to maxLen bytes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
