// Package prompts holds the text templates used to build generation prompts.
package prompts

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

const (
	SummaryPlaceholder = "{{summary}}"
	MessagePlaceholder = "{{message}}"
)

//go:embed summary.txt
var defaultSummary string

//go:embed chat.txt
var defaultChat string

// Templates is the pair of prompt assets the chat pipeline needs.
type Templates struct {
	Summary string
	Chat    string
}

func Defaults() Templates {
	return Templates{Summary: defaultSummary, Chat: defaultChat}
}

// Load returns the embedded defaults, replacing each one whose override path
// is non-empty with that file's contents.
func Load(summaryPath, chatPath string) (Templates, error) {
	t := Defaults()
	if p := strings.TrimSpace(summaryPath); p != "" {
		data, err := os.ReadFile(expandHome(p))
		if err != nil {
			return Templates{}, fmt.Errorf("read summary prompt: %w", err)
		}
		t.Summary = string(data)
	}
	if p := strings.TrimSpace(chatPath); p != "" {
		data, err := os.ReadFile(expandHome(p))
		if err != nil {
			return Templates{}, fmt.Errorf("read chat prompt: %w", err)
		}
		t.Chat = string(data)
	}
	return t, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
