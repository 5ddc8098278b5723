package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

type credentialCandidate struct {
	mode   string
	source string
	field  string
}

// selectSingleCredential refuses ambiguous setups instead of picking one.
func selectSingleCredential(
	candidates []credentialCandidate,
	missingMessage string,
	multiPrefix string,
) (mode string, source string, err error) {
	switch len(candidates) {
	case 0:
		return "", "", fmt.Errorf("%s", strings.TrimSpace(missingMessage))
	case 1:
		return candidates[0].mode, candidates[0].source, nil
	}
	fields := make([]string, 0, len(candidates))
	for _, item := range candidates {
		fields = append(fields, item.field)
	}
	sort.Strings(fields)
	return "", "", fmt.Errorf("%s (%s); set exactly one", strings.TrimSpace(multiPrefix), strings.Join(fields, ", "))
}

// validateTokenFileSource checks that file-backed credentials are readable
// at startup rather than on the first generation call.
func validateTokenFileSource(mode, source, providerLabel string) error {
	if !strings.HasSuffix(mode, "_file") {
		return nil
	}
	resolved := expandHome(strings.TrimSpace(source))
	if _, err := os.Stat(resolved); err != nil {
		label := strings.TrimSpace(providerLabel)
		if label == "" {
			label = "Provider"
		}
		return fmt.Errorf("%s credential file not accessible at %s: %w", label, resolved, err)
	}
	return nil
}
