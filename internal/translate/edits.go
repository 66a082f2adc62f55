package translate

import (
	"unicode/utf8"

	"github.com/stefanvanburen/sqlfluff-lsp/internal/document"
	"go.lsp.dev/protocol"
)

// Edits returns the edits turning original into formatted: none when they
// are equal, otherwise a single edit replacing only the part between their
// common prefix and common suffix.
func Edits(original, formatted string) []protocol.TextEdit {
	if original == formatted {
		return []protocol.TextEdit{}
	}

	prefix := 0
	for prefix < len(original) && prefix < len(formatted) && original[prefix] == formatted[prefix] {
		prefix++
	}
	// Back off to a boundary that is valid in both texts. A position
	// between '\r' and '\n' cannot be expressed in LSP coordinates.
	for prefix > 0 && (!runeBoundary(original, prefix) || !runeBoundary(formatted, prefix) || original[prefix-1] == '\r') {
		prefix--
	}

	suffix := 0
	for suffix < len(original)-prefix && suffix < len(formatted)-prefix &&
		original[len(original)-1-suffix] == formatted[len(formatted)-1-suffix] {
		suffix++
	}
	for suffix > 0 && (!runeBoundary(original, len(original)-suffix) ||
		!runeBoundary(formatted, len(formatted)-suffix) ||
		splitsCRLF(original, len(original)-suffix)) {
		suffix--
	}

	end := len(original) - suffix
	return []protocol.TextEdit{{
		Range: protocol.Range{
			Start: document.OffsetToPosition(original, prefix),
			End:   document.OffsetToPosition(original, end),
		},
		NewText: formatted[prefix : len(formatted)-suffix],
	}}
}

func runeBoundary(s string, i int) bool {
	return i == len(s) || utf8.RuneStart(s[i])
}

func splitsCRLF(s string, i int) bool {
	return i > 0 && i < len(s) && s[i-1] == '\r' && s[i] == '\n'
}
