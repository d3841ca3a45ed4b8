package auth

import "testing"

func TestParseCLIToken(t *testing.T) {
	tests := []struct {
		raw       string
		base      string
		namespace string
	}{
		{"tok", "tok", "default"},
		{"tok.alpha", "tok", "alpha"},
		{"a.b.c", "a.b", "c"},
	}
	for _, tt := range tests {
		parsed := ParseCLIToken(tt.raw)
		if parsed == nil {
			t.Fatalf("ParseCLIToken(%q) = nil", tt.raw)
		}
		if parsed.Base != tt.base || parsed.Namespace != tt.namespace {
			t.Fatalf("ParseCLIToken(%q) = %+v", tt.raw, parsed)
		}
	}
	if ParseCLIToken("") != nil {
		t.Fatalf("expected nil for empty token")
	}
}

func TestVerifyCLIToken(t *testing.T) {
	ns, ok := VerifyCLIToken("master.beta", "master")
	if !ok || ns != "beta" {
		t.Fatalf("expected beta namespace, got %q ok=%v", ns, ok)
	}
	if _, ok := VerifyCLIToken("wrong.beta", "master"); ok {
		t.Fatalf("expected rejection of wrong base token")
	}
	if _, ok := VerifyCLIToken("master", ""); ok {
		t.Fatalf("expected rejection when no token configured")
	}
}
