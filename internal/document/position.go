package document

import (
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"go.lsp.dev/protocol"
)

// nextLineBreak returns the offset where the line starting at i ends and the
// offset where the following line starts. Lines end at "\n", "\r\n" or a
// lone "\r". ok is false on the last line.
func nextLineBreak(text string, i int) (end, next int, ok bool) {
	j := strings.IndexAny(text[i:], "\r\n")
	if j < 0 {
		return len(text), len(text), false
	}
	end = i + j
	if text[end] == '\r' && end+1 < len(text) && text[end+1] == '\n' {
		return end, end + 2, true
	}
	return end, end + 1, true
}

// OffsetToPosition converts a byte offset in text to a 0-indexed line and
// column, where the column is measured in UTF-16 code units (as required by
// LSP). Offsets past the end of text are clamped.
func OffsetToPosition(text string, offset int) protocol.Position {
	var line, col uint32
	i := 0
	for i < offset && i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		lone := r == '\r' && (i+1 == len(text) || text[i+1] != '\n')
		if r == '\n' || lone {
			line++
			col = 0
		} else {
			col += uint32(utf16.RuneLen(r))
		}
		i += size
	}
	return protocol.Position{Line: line, Character: col}
}

// PositionToOffset converts an LSP position to a byte offset in text.
//
// A character past the end of its line resolves to the end of that line, as
// the protocol requires. A line past the end of the document is an error.
func PositionToOffset(text string, pos protocol.Position) (int, error) {
	start := 0
	for line := uint32(0); line < pos.Line; line++ {
		_, next, ok := nextLineBreak(text, start)
		if !ok {
			return 0, fmt.Errorf("%w: line %d beyond end of document", ErrInvalidRange, pos.Line)
		}
		start = next
	}

	end, _, _ := nextLineBreak(text, start)
	return start + utf16ColumnToByte(text[start:end], pos.Character), nil
}

// utf16ColumnToByte returns the byte offset within line of the given UTF-16
// column, clamped to the length of the line.
func utf16ColumnToByte(line string, col uint32) int {
	var units uint32
	for i, r := range line {
		if units >= col {
			return i
		}
		units += uint32(utf16.RuneLen(r))
	}
	return len(line)
}

// RuneColumnToUTF16 converts a 0-indexed column counted in code points on
// the given line into UTF-16 code units, clamped to the line length.
func RuneColumnToUTF16(line string, runeCol int) uint32 {
	var units uint32
	n := 0
	for _, r := range line {
		if n >= runeCol {
			break
		}
		units += uint32(utf16.RuneLen(r))
		n++
	}
	return units
}

// Lines splits text into lines without their terminators. A trailing newline
// produces a final empty line, matching how editors count lines.
func Lines(text string) []string {
	var lines []string
	start := 0
	for {
		end, next, ok := nextLineBreak(text, start)
		lines = append(lines, text[start:end])
		if !ok {
			return lines
		}
		start = next
	}
}

// EndPosition returns the position just past the last character of text.
func EndPosition(text string) protocol.Position {
	return OffsetToPosition(text, len(text))
}

// EndOfLine returns the position at the end of the given 0-based line, or
// the end of the document when line is out of range.
func EndOfLine(text string, line int) protocol.Position {
	lines := Lines(text)
	if line < 0 || line >= len(lines) {
		return EndPosition(text)
	}
	return protocol.Position{Line: uint32(line), Character: RuneColumnToUTF16(lines[line], utf8.RuneCountInString(lines[line]))}
}

// Apply replaces the text covered by rng with newText.
func Apply(text string, rng protocol.Range, newText string) (string, error) {
	start, err := PositionToOffset(text, rng.Start)
	if err != nil {
		return "", err
	}
	end, err := PositionToOffset(text, rng.End)
	if err != nil {
		return "", err
	}
	if end < start {
		return "", fmt.Errorf("%w: end %d:%d before start %d:%d", ErrInvalidRange,
			rng.End.Line, rng.End.Character, rng.Start.Line, rng.Start.Character)
	}
	return text[:start] + newText + text[end:], nil
}
