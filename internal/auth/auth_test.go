package auth

import (
	"context"
	"testing"

	"github.com/gorelay/gorelayd/internal/crypto"
)

func TestStaticLookup(t *testing.T) {
	s := NewStatic([]Credential{{Username: "alice", Password: "secret"}})
	p, ok := s.GetPassword(context.Background(), "alice", crypto.AlgorithmMD5)
	if !ok || p != "secret" {
		t.Fatalf("unexpected result: %q %v", p, ok)
	}
	if _, ok := s.GetPassword(context.Background(), "bob", crypto.AlgorithmMD5); ok {
		t.Fatal("expected lookup miss for unknown user")
	}
}

func TestRESTSecretDeterministic(t *testing.T) {
	r := NewRESTSecret("sharedsecret")
	p1, ok := r.GetPassword(context.Background(), "1700000000:alice", crypto.AlgorithmMD5)
	if !ok {
		t.Fatal("expected REST secret handler to always resolve")
	}
	p2, _ := r.GetPassword(context.Background(), "1700000000:alice", crypto.AlgorithmMD5)
	if p1 != p2 {
		t.Fatal("expected deterministic password for the same username")
	}
}

func TestChainFallsThrough(t *testing.T) {
	c := Chain{NewStatic(nil), NewRESTSecret("sharedsecret")}
	_, ok := c.GetPassword(context.Background(), "anyone", crypto.AlgorithmMD5)
	if !ok {
		t.Fatal("expected chain to fall through to REST secret handler")
	}
}
