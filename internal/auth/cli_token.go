package auth

import (
	"crypto/subtle"
	"strings"
)

// CLIToken is the parsed form of the access token a CLI actor connects with.
// The wire format is "<base>" or "<base>.<namespace>"; a bare token maps to
// the "default" namespace.
type CLIToken struct {
	Base      string
	Namespace string
}

func ParseCLIToken(raw string) *CLIToken {
	if raw == "" {
		return nil
	}
	base := raw
	namespace := "default"
	if i := strings.LastIndexByte(raw, '.'); i > 0 && i < len(raw)-1 {
		base = raw[:i]
		namespace = raw[i+1:]
	}
	return &CLIToken{Base: base, Namespace: namespace}
}

// VerifyCLIToken parses raw and checks its base against the configured master
// CLI token in constant time. Returns the namespace the token is scoped to.
func VerifyCLIToken(raw string, configured string) (string, bool) {
	if configured == "" {
		return "", false
	}
	parsed := ParseCLIToken(raw)
	if parsed == nil {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(parsed.Base), []byte(configured)) != 1 {
		return "", false
	}
	return parsed.Namespace, true
}
