package document_test

import (
	"testing"

	"github.com/nalgeon/be"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/document"
	"go.lsp.dev/protocol"
)

func pos(line, char uint32) protocol.Position {
	return protocol.Position{Line: line, Character: char}
}

func TestOffsetPositionRoundTrip(t *testing.T) {
	t.Parallel()

	text := "SELECT 'é'\nFROM \"😀\"\r\nWHERE 1"
	tests := []struct {
		name   string
		offset int
		want   protocol.Position
	}{
		{"start", 0, pos(0, 0)},
		{"before two-byte rune", 8, pos(0, 8)},
		{"after two-byte rune", 10, pos(0, 9)},
		{"second line", 12, pos(1, 0)},
		{"after surrogate pair", 22, pos(1, 8)},
		{"third line", len("SELECT 'é'\nFROM \"😀\"\r\n"), pos(2, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := document.OffsetToPosition(text, tt.offset)
			be.Equal(t, got, tt.want)

			back, err := document.PositionToOffset(text, got)
			be.Err(t, err, nil)
			be.Equal(t, back, tt.offset)
		})
	}
}

func TestPositionToOffsetClamps(t *testing.T) {
	t.Parallel()

	text := "ab\r\ncd"
	off, err := document.PositionToOffset(text, pos(0, 99))
	be.Err(t, err, nil)
	be.Equal(t, off, 2) // end of "ab", before the \r

	off, err = document.PositionToOffset(text, pos(1, 99))
	be.Err(t, err, nil)
	be.Equal(t, off, len(text))

	_, err = document.PositionToOffset(text, pos(2, 0))
	be.Err(t, err, document.ErrInvalidRange)
}

func TestCarriageReturnLineBreaks(t *testing.T) {
	t.Parallel()

	text := "SELECT 1\rFROM t\r\nWHERE x\r"
	be.Equal(t, document.OffsetToPosition(text, len("SELECT 1\r")), pos(1, 0))
	be.Equal(t, document.OffsetToPosition(text, len("SELECT 1\rFROM t\r\n")), pos(2, 0))
	be.Equal(t, document.EndPosition(text), pos(3, 0))
	be.Equal(t, document.Lines(text), []string{"SELECT 1", "FROM t", "WHERE x", ""})
	be.Equal(t, document.EndOfLine(text, 1), pos(1, 6))

	off, err := document.PositionToOffset(text, pos(1, 5))
	be.Err(t, err, nil)
	be.Equal(t, off, len("SELECT 1\rFROM "))

	off, err = document.PositionToOffset(text, pos(0, 99))
	be.Err(t, err, nil)
	be.Equal(t, off, len("SELECT 1"))

	got, err := document.Apply(text, protocol.Range{Start: pos(1, 5), End: pos(1, 6)}, "users")
	be.Err(t, err, nil)
	be.Equal(t, got, "SELECT 1\rFROM users\r\nWHERE x\r")
}

func TestRuneColumnToUTF16(t *testing.T) {
	t.Parallel()

	be.Equal(t, document.RuneColumnToUTF16("abc", 2), uint32(2))
	be.Equal(t, document.RuneColumnToUTF16("😀😀x", 2), uint32(4))
	be.Equal(t, document.RuneColumnToUTF16("ab", 10), uint32(2))
	be.Equal(t, document.RuneColumnToUTF16("ab", 0), uint32(0))
}

func TestEndPositions(t *testing.T) {
	t.Parallel()

	be.Equal(t, document.EndPosition(""), pos(0, 0))
	be.Equal(t, document.EndPosition("SELECT 1\n"), pos(1, 0))
	be.Equal(t, document.EndPosition("a\n😀"), pos(1, 2))

	be.Equal(t, document.EndOfLine("SELECT 1\r\nFROM t", 0), pos(0, 8))
	be.Equal(t, document.EndOfLine("SELECT 1\nFROM t", 1), pos(1, 6))
	be.Equal(t, document.EndOfLine("SELECT 1", 5), pos(0, 8))
}

func TestApply(t *testing.T) {
	t.Parallel()

	got, err := document.Apply("SELECT 1", protocol.Range{Start: pos(0, 7), End: pos(0, 8)}, "2")
	be.Err(t, err, nil)
	be.Equal(t, got, "SELECT 2")

	_, err = document.Apply("SELECT 1", protocol.Range{Start: pos(0, 5), End: pos(0, 2)}, "")
	be.Err(t, err, document.ErrInvalidRange)
}
