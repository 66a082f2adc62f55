// Package translate converts raw sqlfluff output into LSP diagnostics and
// text edits.
package translate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stefanvanburen/sqlfluff-lsp/internal/analyzer"
	"github.com/stefanvanburen/sqlfluff-lsp/internal/document"
	"go.lsp.dev/protocol"
)

// Source is the source tag on every diagnostic produced by this package.
const Source = "sqlfluff"

// UnparseableMessage is the message of the diagnostic reported when the
// analyzer output cannot be understood.
const UnparseableMessage = "analyzer output unparseable"

// ErrUnparseable is returned alongside the synthetic diagnostic for
// malformed output.
var ErrUnparseable = errors.New(UnparseableMessage)

// violation is a single finding in analyzer coordinates: 1-based lines and
// 1-based code point columns. Zero end fields mean the end is unknown.
type violation struct {
	startLine, startCol int
	endLine, endCol     int
	code                string
	name                string
	message             string
	severity            protocol.DiagnosticSeverity
}

// Diagnostics parses the output of a lint run over text. Both sqlfluff's
// json format and its github-annotation format are accepted.
//
// Malformed output never fails the caller: it yields a single diagnostic at
// the start of the document together with an error wrapping
// ErrUnparseable, which is meant for logging.
func Diagnostics(raw []byte, text string, policy *Policy) ([]protocol.Diagnostic, error) {
	violations, err := parse(raw)
	if err != nil {
		return []protocol.Diagnostic{Unparseable()}, err
	}

	lines := document.Lines(text)
	diagnostics := make([]protocol.Diagnostic, 0, len(violations))
	for _, v := range violations {
		d := protocol.Diagnostic{
			Range:    v.rangeIn(text, lines),
			Severity: v.severity,
			Source:   Source,
			Message:  v.message,
		}
		if v.code != "" {
			d.Code = v.code
		}
		d, keep := policy.apply(d, v.code, v.name)
		if !keep {
			continue
		}
		diagnostics = append(diagnostics, d)
	}
	return diagnostics, nil
}

// Unparseable returns the diagnostic reported for malformed analyzer output.
func Unparseable() protocol.Diagnostic {
	return protocol.Diagnostic{
		Severity: protocol.DiagnosticSeverityError,
		Source:   Source,
		Message:  UnparseableMessage,
	}
}

// Failure returns a diagnostic at the start of the document describing why
// the analyzer could not produce results.
func Failure(err error) protocol.Diagnostic {
	var (
		exitErr *analyzer.ExitError
		message string
	)
	switch {
	case errors.Is(err, analyzer.ErrBinaryNotFound):
		message = "sqlfluff executable not found; install sqlfluff or pass --sqlfluff-path: " + err.Error()
	case errors.Is(err, analyzer.ErrTimeout):
		message = "sqlfluff did not finish in time: " + err.Error()
	case errors.As(err, &exitErr):
		message = fmt.Sprintf("sqlfluff exited with status %d", exitErr.Code)
		if exitErr.Stderr != "" {
			message += ": " + lastLine(exitErr.Stderr)
		}
	default:
		message = "sqlfluff failed: " + err.Error()
	}
	return protocol.Diagnostic{
		Severity: protocol.DiagnosticSeverityError,
		Source:   Source,
		Message:  message,
	}
}

// lastLine returns the last non-empty line of s. Python tracebacks end with
// the interesting part.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func parse(raw []byte) ([]violation, error) {
	raw = bytes.TrimSpace(raw)
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	first := items[0]
	if _, ok := first["violations"]; ok {
		return parseJSON(raw)
	}
	if _, ok := first["start_line"]; ok {
		return parseAnnotations(raw)
	}
	return nil, fmt.Errorf("%w: unrecognized output format", ErrUnparseable)
}

type lintedFile struct {
	Filepath   string `json:"filepath"`
	Violations []struct {
		StartLineNo  int    `json:"start_line_no"`
		StartLinePos int    `json:"start_line_pos"`
		EndLineNo    int    `json:"end_line_no"`
		EndLinePos   int    `json:"end_line_pos"`
		LineNo       int    `json:"line_no"`
		LinePos      int    `json:"line_pos"`
		Code         string `json:"code"`
		Name         string `json:"name"`
		Description  string `json:"description"`
		// Warning is set for rules listed under the project's warnings
		// setting.
		Warning bool `json:"warning"`
	} `json:"violations"`
}

func parseJSON(raw []byte) ([]violation, error) {
	var files []lintedFile
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	var out []violation
	for _, f := range files {
		for _, v := range f.Violations {
			// Releases before 2.0 only report line_no and line_pos.
			startLine, startCol := v.StartLineNo, v.StartLinePos
			if startLine == 0 {
				startLine, startCol = v.LineNo, v.LinePos
			}
			severity := codeSeverity(v.Code, protocol.DiagnosticSeverityWarning)
			if v.Warning {
				severity = protocol.DiagnosticSeverityWarning
			}
			out = append(out, violation{
				startLine: startLine,
				startCol:  startCol,
				endLine:   v.EndLineNo,
				endCol:    v.EndLinePos,
				code:      v.Code,
				name:      v.Name,
				message:   v.Description,
				severity:  severity,
			})
		}
	}
	return out, nil
}

type annotation struct {
	StartLine       int    `json:"start_line"`
	StartColumn     int    `json:"start_column"`
	EndLine         int    `json:"end_line"`
	EndColumn       int    `json:"end_column"`
	Title           string `json:"title"`
	Message         string `json:"message"`
	AnnotationLevel string `json:"annotation_level"`
}

func parseAnnotations(raw []byte) ([]violation, error) {
	var annotations []annotation
	if err := json.Unmarshal(raw, &annotations); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	out := make([]violation, 0, len(annotations))
	for _, a := range annotations {
		code, message := splitCode(a.Message)
		severity := protocol.DiagnosticSeverityWarning
		switch a.AnnotationLevel {
		case "failure":
			severity = protocol.DiagnosticSeverityError
		case "notice":
			severity = protocol.DiagnosticSeverityInformation
		}
		out = append(out, violation{
			startLine: a.StartLine,
			startCol:  a.StartColumn,
			endLine:   a.EndLine,
			endCol:    a.EndColumn,
			code:      code,
			message:   message,
			severity:  codeSeverity(code, severity),
		})
	}
	return out, nil
}

// splitCode splits "LT01: Trailing whitespace." into its rule code and
// description. Messages without a code prefix are returned unchanged.
func splitCode(message string) (code, rest string) {
	head, tail, ok := strings.Cut(message, ": ")
	if !ok || head == "" || len(head) > 8 {
		return "", message
	}
	for _, r := range head {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", message
		}
	}
	return head, tail
}

// codeSeverity reports parse and templating failures as errors since
// nothing else in the file could be checked past them.
func codeSeverity(code string, fallback protocol.DiagnosticSeverity) protocol.DiagnosticSeverity {
	if strings.HasPrefix(code, "PRS") || strings.HasPrefix(code, "TMP") {
		return protocol.DiagnosticSeverityError
	}
	return fallback
}

func (v violation) rangeIn(text string, lines []string) protocol.Range {
	start := position(text, lines, v.startLine, v.startCol)
	var end protocol.Position
	switch {
	case v.endLine <= 0:
		end = document.EndOfLine(text, int(start.Line))
	case v.endCol <= 0:
		end = document.EndOfLine(text, v.endLine-1)
	default:
		end = position(text, lines, v.endLine, v.endCol)
	}
	if before(end, start) {
		end = start
	}
	return protocol.Range{Start: start, End: end}
}

// position converts a 1-based line and code point column to an LSP
// position, clamped to the document.
func position(text string, lines []string, line, col int) protocol.Position {
	l := max(line-1, 0)
	if l >= len(lines) {
		return document.EndPosition(text)
	}
	return protocol.Position{
		Line:      uint32(l),
		Character: document.RuneColumnToUTF16(lines[l], max(col-1, 0)),
	}
}

func before(a, b protocol.Position) bool {
	return a.Line < b.Line || (a.Line == b.Line && a.Character < b.Character)
}
