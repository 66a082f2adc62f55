package config

import (
	"bufio"
	"bytes"
	"strings"
)

// iniSection returns the keys of one section of an INI file the way
// Python's configparser reads them: section and key names are compared
// case-insensitively, keys are separated from values by '=' or ':', and
// lines starting with '#' or ';' are comments. Indented continuation lines
// are appended to the previous value.
func iniSection(data []byte, section string) map[string]string {
	values := make(map[string]string)
	var (
		inSection bool
		lastKey   string
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimSpace(raw)
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if line[0] == '[' && strings.HasSuffix(line, "]") {
			inSection = strings.EqualFold(strings.TrimSpace(line[1:len(line)-1]), section)
			lastKey = ""
			continue
		}
		if !inSection {
			continue
		}
		if lastKey != "" && (raw[0] == ' ' || raw[0] == '\t') {
			values[lastKey] += "\n" + line
			continue
		}
		i := strings.IndexAny(line, "=:")
		if i < 0 {
			continue
		}
		lastKey = strings.ToLower(strings.TrimSpace(line[:i]))
		values[lastKey] = strings.TrimSpace(line[i+1:])
	}
	return values
}
