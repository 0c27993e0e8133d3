package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		hasError bool
	}{
		{"100", 100, false},
		{"100B", 100, false},
		{"100KB", 100 * 1024, false},
		{"50MB", 50 * 1024 * 1024, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{"50mb", 50 * 1024 * 1024, false}, // case insensitive
		{"invalid", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := parseSize(tt.input)
			if tt.hasError && err == nil {
				t.Errorf("parseSize(%q) expected error", tt.input)
			}
			if !tt.hasError && err != nil {
				t.Errorf("parseSize(%q) unexpected error: %v", tt.input, err)
			}
			if !tt.hasError && result != tt.expected {
				t.Errorf("parseSize(%q) = %d, want %d", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		hasError bool
	}{
		{"7d", 7 * 24 * time.Hour, false},
		{"2w", 14 * 24 * time.Hour, false},
		{"12h", 12 * time.Hour, false},
		{"bogus", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := parseAge(tt.input)
			if tt.hasError && err == nil {
				t.Errorf("parseAge(%q) expected error", tt.input)
			}
			if !tt.hasError && err != nil {
				t.Errorf("parseAge(%q) unexpected error: %v", tt.input, err)
			}
			if !tt.hasError && result != tt.expected {
				t.Errorf("parseAge(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRotatingWriterRotates(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "aegis.log")

	w, err := newRotatingWriter(logFile, &RotationConfig{
		MaxSize:    "1KB",
		MaxBackups: 2,
	})
	if err != nil {
		t.Fatalf("newRotatingWriter failed: %v", err)
	}

	line := strings.Repeat("x", 256) + "\n"
	for i := 0; i < 10; i++ {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) < 2 {
		t.Errorf("expected rotation to create backup files, found %d files", len(entries))
	}

	// Current file must stay under the size limit after rotation
	info, err := os.Stat(logFile)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Size() > 1024 {
		t.Errorf("current log file exceeds max size: %d bytes", info.Size())
	}
}
