package providers

import "strings"

// errorHint is appended to an upstream error containing any of match.
type errorHint struct {
	match []string
	hint  string
}

// augmentProviderError appends the first matching backend hint.
func augmentProviderError(providerName, message string) string {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return msg
	}
	b, ok := lookupBackend(providerName)
	if !ok {
		return msg
	}

	lower := strings.ToLower(msg)
	for _, h := range b.hints {
		for _, m := range h.match {
			if strings.Contains(lower, m) {
				return msg + " Hint: " + h.hint
			}
		}
	}
	return msg
}
