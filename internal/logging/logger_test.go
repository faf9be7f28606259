package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWithWriter_Levels(t *testing.T) {
	tests := []struct {
		level     string
		debugSeen bool
		infoSeen  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"WARN", false, false},
		{"", false, true},
		{"nonsense", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewWithWriter(&buf, "production", tt.level)

			logger.Debug().Msg("debug line")
			logger.Info().Msg("info line")

			out := buf.String()
			if got := strings.Contains(out, "debug line"); got != tt.debugSeen {
				t.Errorf("debug logged = %v, want %v", got, tt.debugSeen)
			}
			if got := strings.Contains(out, "info line"); got != tt.infoSeen {
				t.Errorf("info logged = %v, want %v", got, tt.infoSeen)
			}
		})
	}
}

func TestNewWithWriter_ProductionIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "production", "info")
	logger.Info().Str("component", "relay").Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v: %q", err, buf.String())
	}
	if line["message"] != "hello" || line["component"] != "relay" || line["time"] == nil {
		t.Fatalf("line = %v", line)
	}
}

func TestNewWithWriter_DevelopmentIsConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "development", "info")
	logger.Info().Msg("hello")

	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Fatalf("development output should be console text, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("output = %q", buf.String())
	}
}
