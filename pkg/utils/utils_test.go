package utils

import (
	"testing"
	"time"
)

func TestInterpolate(t *testing.T) {
	vars := map[string]string{
		"title":  "Fix flaky test",
		"number": "42",
		"author": "octocat",
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain", "no tokens here", "no tokens here"},
		{"single", "PR {{number}}", "PR 42"},
		{"multiple", "{{title}} by {{author}}", "Fix flaky test by octocat"},
		{"whitespace", "PR {{ number }}", "PR 42"},
		{"unresolved left verbatim", "see {{missing}} field", "see {{missing}} field"},
		{"dotted key unresolved", "{{item.title}}", "{{item.title}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Interpolate(tt.template, vars); got != tt.want {
				t.Errorf("Interpolate(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestGenerateID(t *testing.T) {
	a := GenerateID()
	b := GenerateID()
	if len(a) != 32 {
		t.Errorf("expected 32-char ID, got %d", len(a))
	}
	if a == b {
		t.Error("expected unique IDs")
	}
}

func TestFormatTime(t *testing.T) {
	at := time.Date(2026, 3, 14, 10, 15, 0, 0, time.UTC)
	if got := FormatTime(at); got != "2026-03-14 10:15:00" {
		t.Errorf("FormatTime = %q", got)
	}
}
