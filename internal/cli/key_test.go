package cli

import (
	"testing"
)

func TestGetIntegrityHexFromFlags(t *testing.T) {
	flags := getKeyCmd().Flags()
	_ = flags.Set("user", "user")
	_ = flags.Set("password", "secret")
	_ = flags.Set("realm", "realm")
	if h := getIntegrityHexFromFlags(flags); h != "fb6cb9e166c6c764ff2bdea12175a8aa" {
		t.Errorf("bad integrity %s", h)
	}
}

func TestGetIntegrityHexFromFlagsSHA256(t *testing.T) {
	flags := getKeyCmd().Flags()
	_ = flags.Set("user", "user")
	_ = flags.Set("password", "secret")
	_ = flags.Set("realm", "realm")
	_ = flags.Set("algorithm", "sha256")
	if h := getIntegrityHexFromFlags(flags); len(h) != 64 {
		t.Errorf("expected a 32-byte sha256 digest, got %d hex chars", len(h))
	}
}
