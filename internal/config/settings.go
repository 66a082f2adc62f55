// Package config resolves the settings sqlfluff runs with: server flags,
// client supplied settings and project configuration files.
package config

import (
	"encoding/json"
	"fmt"
)

// Settings are the server settings a client may override through
// initializationOptions or workspace/didChangeConfiguration.
type Settings struct {
	Dialect       string `json:"dialect,omitempty"`
	Templater     string `json:"templater,omitempty"`
	SQLFluffPath  string `json:"sqlfluffPath,omitempty"`
	FormatCommand string `json:"formatCommand,omitempty"`
	// ConfigPath is an extra sqlfluff configuration file applied on top of
	// the project's own.
	ConfigPath string `json:"configPath,omitempty"`
	// Filter and Severity are CEL expressions applied to every diagnostic.
	Filter   string `json:"filter,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// Merge returns s with every non-empty field of override applied.
func (s Settings) Merge(override Settings) Settings {
	if override.Dialect != "" {
		s.Dialect = override.Dialect
	}
	if override.Templater != "" {
		s.Templater = override.Templater
	}
	if override.SQLFluffPath != "" {
		s.SQLFluffPath = override.SQLFluffPath
	}
	if override.FormatCommand != "" {
		s.FormatCommand = override.FormatCommand
	}
	if override.ConfigPath != "" {
		s.ConfigPath = override.ConfigPath
	}
	if override.Filter != "" {
		s.Filter = override.Filter
	}
	if override.Severity != "" {
		s.Severity = override.Severity
	}
	return s
}

// Validate reports settings sqlfluff cannot run with.
func (s Settings) Validate() error {
	switch s.FormatCommand {
	case "", "fix", "format":
	default:
		return fmt.Errorf("format command must be fix or format, not %q", s.FormatCommand)
	}
	return nil
}

// ParseClientSettings decodes settings sent by a client. Editors usually
// nest them under a "sqlfluff" key; a bare settings object is accepted too.
// Empty or null input yields zero Settings.
func ParseClientSettings(raw json.RawMessage) (Settings, error) {
	var s Settings
	if len(raw) == 0 || string(raw) == "null" {
		return s, nil
	}
	var wrapped struct {
		SQLFluff *Settings `json:"sqlfluff"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return s, fmt.Errorf("decoding client settings: %w", err)
	}
	if wrapped.SQLFluff != nil {
		return *wrapped.SQLFluff, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decoding client settings: %w", err)
	}
	return s, nil
}
