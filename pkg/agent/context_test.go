package agent

import (
	"strings"
	"testing"
)

func TestBuildPrompt_FillsPlaceholders(t *testing.T) {
	cb := NewContextBuilder("S={{summary}}|M={{message}}")
	got := cb.BuildPrompt("we talked about cats", "and dogs?")
	if got != "S=we talked about cats|M=and dogs?" {
		t.Fatalf("unexpected prompt %q", got)
	}
}

func TestBuildPrompt_SummaryCannotInjectPlaceholders(t *testing.T) {
	cb := NewContextBuilder("S={{summary}}|M={{message}}")
	got := cb.BuildPrompt("literal {{message}}", "hi")
	if got != "S=literal {{message}}|M=hi" {
		t.Fatalf("expected single-pass substitution, got %q", got)
	}
}

func TestNewContextBuilder_DefaultTemplate(t *testing.T) {
	cb := NewContextBuilder("   ")
	got := cb.BuildPrompt("", "Hello")
	if !strings.Contains(got, "Hello") {
		t.Fatalf("expected message in default prompt, got %q", got)
	}
	if strings.Contains(got, "{{") {
		t.Fatalf("expected all placeholders filled, got %q", got)
	}
}
