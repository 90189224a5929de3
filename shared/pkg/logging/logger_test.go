package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(WARN, false)
	logger.SetOutput(&buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("INFO message should be filtered at WARN level: %q", out)
	}
	if !strings.Contains(out, "WARN: shown") {
		t.Errorf("Expected WARN message, got %q", out)
	}
}

func TestJSONFormatWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DEBUG, true)
	logger.SetOutput(&buf)

	logger.WithField("name", "orchestrator-norm-j-1-a-0").Info("created", map[string]interface{}{"attempt": 0})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Output is not JSON: %v (%q)", err, buf.String())
	}
	if entry.Level != "INFO" || entry.Message != "created" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
	if entry.Fields["name"] != "orchestrator-norm-j-1-a-0" {
		t.Errorf("Expected name field, got %v", entry.Fields)
	}
}

func TestWithFieldSharesOutput(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(INFO, false)
	child := parent.WithField("k", "v")
	parent.SetOutput(&buf)

	child.Info("from child")
	if !strings.Contains(buf.String(), "from child") {
		t.Errorf("Child logger should write to the parent's output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   DEBUG,
		"WARNING": WARN,
		"error":   ERROR,
		"bogus":   INFO,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestGenerateLogrotateConfig(t *testing.T) {
	conf := GenerateLogrotateConfig("launcher")
	if !strings.Contains(conf, LogRoot+"/launcher/*.log {") {
		t.Errorf("config does not cover the launcher log directory:\n%s", conf)
	}
	if !strings.Contains(conf, "copytruncate") {
		t.Error("config should truncate in place")
	}
}
