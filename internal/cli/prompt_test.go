package cli

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestPromptString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   string
		want  string
	}{
		{"answer", "large\n", "normal", "large"},
		{"default", "\n", "normal", "normal"},
		{"trimmed", "  large  \n", "normal", "large"},
		{"no trailing newline", "large", "normal", "large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPrompter(strings.NewReader(tt.input), &bytes.Buffer{})
			got, err := p.promptString("Flavor", tt.def)
			if err != nil {
				t.Fatalf("promptString failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPromptStringEOF(t *testing.T) {
	p := newPrompter(strings.NewReader(""), &bytes.Buffer{})
	got, err := p.promptString("Flavor", "normal")
	if err != io.EOF {
		t.Errorf("Expected io.EOF, got %v", err)
	}
	if got != "normal" {
		t.Errorf("Expected default on EOF, got %q", got)
	}
}

func TestPromptChoiceRetries(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("huge\nLARGE\n"), &out)

	got, err := p.promptChoice("Flavor", "normal", []string{"normal", "large"})
	if err != nil {
		t.Fatalf("promptChoice failed: %v", err)
	}
	if got != "large" {
		t.Errorf("Expected large, got %q", got)
	}
	if !strings.Contains(out.String(), `Invalid choice "huge"`) {
		t.Errorf("Expected invalid choice message, got:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Flavor (normal, large) [normal]: ") {
		t.Errorf("Expected choices in prompt, got:\n%s", out.String())
	}
}

func TestPromptInt(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("abc\n10\n750\n"), &out)

	got, err := p.promptInt("Debounce (ms)", 500, 50, 60000)
	if err != nil {
		t.Fatalf("promptInt failed: %v", err)
	}
	if got != 750 {
		t.Errorf("Expected 750, got %d", got)
	}
	if n := strings.Count(out.String(), "Enter a number between 50 and 60000"); n != 2 {
		t.Errorf("Expected 2 retries, got %d", n)
	}
}

func TestPromptBool(t *testing.T) {
	tests := []struct {
		input string
		def   bool
		want  bool
	}{
		{"y\n", false, true},
		{"YES\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
		{"maybe\nno\n", true, false},
	}

	for _, tt := range tests {
		p := newPrompter(strings.NewReader(tt.input), &bytes.Buffer{})
		got, err := p.promptBool("Recursive", tt.def)
		if err != nil {
			t.Errorf("promptBool(%q) failed: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("promptBool(%q, %t): expected %t, got %t", tt.input, tt.def, tt.want, got)
		}
	}
}
