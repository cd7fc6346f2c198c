package config

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gorelay/gorelayd/internal/crypto"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(DefaultConfigFileContent)); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	c, err := Load(zap.NewNop(), v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Realm != "gorelay.local" {
		t.Fatalf("realm = %q", c.Realm)
	}
	if c.PortRangeMin != 49152 || c.PortRangeMax != 65535 {
		t.Fatalf("port range = %d-%d", c.PortRangeMin, c.PortRangeMax)
	}
	if len(c.Interfaces) != 1 || c.Interfaces[0].Transport != "udp" {
		t.Fatalf("interfaces = %+v", c.Interfaces)
	}
	if c.PeerFilter == nil || c.ClientFilter == nil {
		t.Fatal("expected default filters to be built")
	}
}

func TestLoadRejectsBadFilterAction(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	cfg := strings.Replace(DefaultConfigFileContent, "  peer:\n    action: allow\n", "  peer:\n    action: nonsense\n", 1)
	if err := v.ReadConfig(strings.NewReader(cfg)); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if _, err := Load(zap.NewNop(), v); err == nil {
		t.Fatal("expected an error for an unknown filter action")
	}
}

func TestBuildHandlerChainsRESTSecret(t *testing.T) {
	c := &Config{
		AuthStatic:     []Credential{{Username: "alice", Password: "secret"}},
		AuthRESTSecret: "sharedsecret",
	}
	h := c.BuildHandler()
	if _, ok := h.GetPassword(context.Background(), "alice", crypto.AlgorithmMD5); !ok {
		t.Fatal("expected the static credential to resolve")
	}
	if _, ok := h.GetPassword(context.Background(), "unknown-user", crypto.AlgorithmMD5); !ok {
		t.Fatal("expected the REST secret handler to resolve any username")
	}
}
