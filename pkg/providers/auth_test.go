package providers

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStaticTokenSource_RejectsPlaceholderToken(t *testing.T) {
	src := NewStaticTokenSource("<GEMINI_API_KEY>", "providers.gemini.api_key")
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatalf("expected placeholder token to be rejected")
	}
}

func TestStaticTokenSource_RejectsEnvReferenceToken(t *testing.T) {
	src := NewStaticTokenSource("${GEMINI_API_KEY}", "providers.gemini.api_key")
	if _, err := src.Token(context.Background()); err == nil {
		t.Fatalf("expected env reference token to be rejected")
	}
}

func TestFileTokenSource_PlainTokenFile(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token.txt")
	if err := os.WriteFile(tokenFile, []byte("key-123\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	got, err := NewFileTokenSource(tokenFile).Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got != "key-123" {
		t.Fatalf("expected plain token, got %q", got)
	}
}

func TestFileTokenSource_JSONTokenFile(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "auth.json")
	if err := os.WriteFile(tokenFile, []byte(`{"access_token":"from-json"}`), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	got, err := NewFileTokenSource(tokenFile).Token(context.Background())
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got != "from-json" {
		t.Fatalf("expected token from json, got %q", got)
	}
}

func TestFileTokenSource_JSONMissingToken(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "auth.json")
	if err := os.WriteFile(tokenFile, []byte(`{"refresh_token":"rt_123"}`), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	_, err := NewFileTokenSource(tokenFile).Token(context.Background())
	if err == nil {
		t.Fatalf("expected missing token error")
	}
	if !strings.Contains(err.Error(), "no api_key or access_token") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAPIKeyAuth_SetsBearerHeader(t *testing.T) {
	req := httptest.NewRequest("POST", "/chat/completions", nil)
	auth := NewAPIKeyAuth(NewStaticTokenSource("k", "test"))
	if err := auth.Apply(context.Background(), req); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer k" {
		t.Fatalf("unexpected Authorization header %q", got)
	}
	if auth.Mode() != authModeAPIKey {
		t.Fatalf("unexpected mode %q", auth.Mode())
	}
}
