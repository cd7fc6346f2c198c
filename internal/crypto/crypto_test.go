package crypto

import (
	"encoding/hex"
	"testing"
)

func TestLongTermKeyMD5(t *testing.T) {
	// The MD5 long-term key for "user"/"realm"/"pass" is 16 bytes long.
	k := LongTermKey("user", "realm", "pass", AlgorithmMD5)
	if len(k) != 16 {
		t.Fatalf("unexpected key length: %d", len(k))
	}
}

func TestLongTermKeySHA256(t *testing.T) {
	k := LongTermKey("user", "realm", "pass", AlgorithmSHA256)
	if len(k) != 32 {
		t.Fatalf("unexpected key length: %d", len(k))
	}
}

func TestHMACSHA1Deterministic(t *testing.T) {
	a := HMACSHA1([]byte("key"), []byte("part-a"), []byte("part-b"))
	b := HMACSHA1([]byte("key"), []byte("part-apart-b"))
	if a != b {
		t.Fatalf("HMACSHA1 over split parts must equal HMACSHA1 over the concatenation")
	}
	if hex.EncodeToString(a[:]) == "" {
		t.Fatal("unexpected empty digest")
	}
}

func TestStaticAuthSecretRoundTrip(t *testing.T) {
	pass1 := StaticAuthSecret("1700000000:alice", "sharedsecret")
	pass2 := StaticAuthSecret("1700000000:alice", "sharedsecret")
	if pass1 != pass2 {
		t.Fatal("StaticAuthSecret must be deterministic for the same input")
	}
	k := StaticAuthSecretKey("1700000000:alice", "realm", "sharedsecret", AlgorithmMD5)
	if len(k) != 16 {
		t.Fatalf("unexpected key length: %d", len(k))
	}
}
