// Package config decodes the Viper-backed configuration file into the
// options internal/service.Service needs, the way the teacher's
// internal/cli.parseOptions/parseFilteringRules/getZapConfig decode theirs,
// generalized from the teacher's single-transport (UDP) server.Options
// onto this module's multi-interface, UDP+TCP service.Options.
package config

import (
	"crypto/tls"
	"io/ioutil"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	yaml "gopkg.in/yaml.v2"

	"github.com/gorelay/gorelayd/internal/auth"
	"github.com/gorelay/gorelayd/internal/filter"
	"github.com/gorelay/gorelayd/internal/session"
)

// Credential is one statically configured long-term credential, decoded
// from the auth.static list.
type Credential struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Realm    string `mapstructure:"realm"`
}

// TLSConfig names the certificate pair for a TURN-over-TLS interface.
type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// InterfaceConfig configures one listening interface.
type InterfaceConfig struct {
	Transport   string     `mapstructure:"transport"` // "udp" or "tcp"
	Listen      string     `mapstructure:"listen"`
	IdleTimeout string     `mapstructure:"idle_timeout"`
	ReusePort   bool       `mapstructure:"reuse_port"`
	TLS         *TLSConfig `mapstructure:"tls"`
}

// Config is the fully decoded configuration, as described by SPEC_FULL.md
// Section 6.
type Config struct {
	Realm      string
	Software   string
	Workers    int
	Interfaces []InterfaceConfig

	RelayIP        string
	RelayNetwork   string
	PortRangeMin   uint16
	PortRangeMax   uint16

	AuthStatic     []Credential
	AuthRESTSecret string
	AuthSTUNForced bool

	PeerFilter   *filter.List
	ClientFilter *filter.List

	PrometheusAddr    string
	PrometheusEnabled bool
	APIAddr           string
	PprofAddr         string

	DefaultLifetimeSeconds    int
	MaxLifetimeSeconds        int
	NonceLifetimeSeconds      int
	PermissionLifetimeSeconds int
}

// rawRuleItem mirrors one entry of filter.<key>.rules in the config file.
type rawRuleItem struct {
	Net    string `mapstructure:"net"`
	Action string `mapstructure:"action"`
}

// parseFilterRules builds a filter.List from viper key "filter.<name>",
// grounded on the teacher's parseFilteringRules.
func parseFilterRules(l *zap.Logger, v *viper.Viper, name string) (*filter.List, error) {
	log := l.Named(name)
	var rawRules []rawRuleItem
	if err := v.UnmarshalKey("filter."+name+".rules", &rawRules); err != nil {
		return nil, errors.Wrapf(err, "config: failed to parse filter.%s.rules", name)
	}
	var rules []filter.Rule
	for _, raw := range rawRules {
		var action filter.Action
		switch strings.ToLower(raw.Action) {
		case "allow":
			action = filter.Allow
		case "drop", "forbid", "deny", "block":
			action = filter.Deny
		case "pass", "none", "":
			action = filter.Pass
		default:
			return nil, errors.Errorf("config: unknown filter action %q", raw.Action)
		}
		rule, err := filter.StaticNetRule(action, raw.Net)
		if err != nil {
			return nil, errors.Wrapf(err, "config: bad subnet %q", raw.Net)
		}
		log.Info("added filter rule", zap.Stringer("action", action), zap.String("net", raw.Net))
		rules = append(rules, rule)
	}
	defaultAction := filter.Allow
	switch strings.ToLower(v.GetString("filter." + name + ".action")) {
	case "allow", "":
	case "drop", "forbid", "deny", "block":
		defaultAction = filter.Deny
	case "pass", "none":
		return nil, errors.New("config: default filter action cannot be pass")
	default:
		return nil, errors.New("config: unknown default filter action")
	}
	return filter.New(defaultAction, rules...), nil
}

// Load decodes a Config from v, which must already have a config file (or
// the default in-memory one) read into it.
func Load(l *zap.Logger, v *viper.Viper) (*Config, error) {
	c := &Config{
		Realm:    v.GetString("server.realm"),
		Software: v.GetString("server.software"),
		Workers:  v.GetInt("server.workers"),

		RelayIP:      v.GetString("server.relay_ip"),
		RelayNetwork: v.GetString("server.relay_network"),

		AuthRESTSecret: v.GetString("auth.rest_secret"),
		AuthSTUNForced: v.GetBool("auth.stun"),

		PrometheusAddr:    v.GetString("server.prometheus.addr"),
		PrometheusEnabled: v.GetBool("server.prometheus.enabled"),
		APIAddr:           v.GetString("api.addr"),
		PprofAddr:         v.GetString("server.pprof"),

		DefaultLifetimeSeconds:    v.GetInt("server.default_lifetime_seconds"),
		MaxLifetimeSeconds:        v.GetInt("server.max_lifetime_seconds"),
		NonceLifetimeSeconds:      v.GetInt("server.nonce_lifetime_seconds"),
		PermissionLifetimeSeconds: v.GetInt("server.permission_lifetime_seconds"),
	}
	if c.RelayNetwork == "" {
		c.RelayNetwork = "udp4"
	}

	portMin := v.GetInt("server.port_range.min")
	portMax := v.GetInt("server.port_range.max")
	if portMin == 0 && portMax == 0 {
		portMin, portMax = 49152, 65535
	}
	c.PortRangeMin, c.PortRangeMax = uint16(portMin), uint16(portMax)

	if err := v.UnmarshalKey("server.interfaces", &c.Interfaces); err != nil {
		return nil, errors.Wrap(err, "config: failed to parse server.interfaces")
	}
	if len(c.Interfaces) == 0 {
		c.Interfaces = []InterfaceConfig{{Transport: "udp", Listen: "0.0.0.0:3478"}}
	}

	if err := v.UnmarshalKey("auth.static", &c.AuthStatic); err != nil {
		return nil, errors.Wrap(err, "config: failed to parse auth.static")
	}
	for i := range c.AuthStatic {
		if c.AuthStatic[i].Realm == "" {
			c.AuthStatic[i].Realm = c.Realm
		}
	}

	var err error
	if c.PeerFilter, err = parseFilterRules(l, v, "peer"); err != nil {
		return nil, err
	}
	if c.ClientFilter, err = parseFilterRules(l, v, "client"); err != nil {
		return nil, err
	}
	return c, nil
}

// BuildHandler builds the session.Handler the router authenticates
// requests against: a static credential map, a TURN REST API shared
// secret, or both chained, grounded on the teacher's run.go wiring of
// auth.NewStatic (generalized to also cover auth.RESTSecret, which the
// teacher never implemented but original_source's crypto.rs does).
func (c *Config) BuildHandler() session.Handler {
	creds := make([]auth.Credential, len(c.AuthStatic))
	for i, cred := range c.AuthStatic {
		creds[i] = auth.Credential{Username: cred.Username, Password: cred.Password}
	}
	static := auth.NewStatic(creds)
	if c.AuthRESTSecret == "" {
		return static
	}
	return auth.Chain{static, auth.NewRESTSecret(c.AuthRESTSecret)}
}

// TLSConfigFor loads a tls.Config from a certificate/key pair, grounded on
// the teacher's general pattern of passing cert paths straight to
// tls.LoadX509KeyPair (TURN-over-TLS is new relative to the teacher, which
// never listens on TLS).
func TLSConfigFor(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "config: failed to load TLS certificate")
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// ZapConfig decodes the server.log zap.Config block from the raw config
// file on disk, grounded on the teacher's getZapConfig: defaults to a
// production JSON encoder, falls back to development mode when
// server.development is set, and leaves the default untouched if no
// config file was read (the default in-memory config, or pure flags).
func ZapConfig(v *viper.Viper) (zap.Config, error) {
	type cfgWrapper struct {
		Server struct {
			Log zap.Config `yaml:"log"`
		} `yaml:"server"`
	}

	d := zap.Config{
		DisableCaller:     true,
		DisableStacktrace: true,
		Level:             zap.NewAtomicLevel(),
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.EpochTimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if v.GetBool("server.development") {
		d = zap.NewDevelopmentConfig()
	}
	if v.ConfigFileUsed() == "" {
		return d, nil
	}

	raw := &cfgWrapper{}
	raw.Server.Log = d
	f, err := os.Open(v.ConfigFileUsed())
	if err != nil {
		return d, err
	}
	defer f.Close()
	buf, err := ioutil.ReadAll(f)
	if err != nil {
		return d, err
	}
	return raw.Server.Log, yaml.Unmarshal(buf, raw)
}

// DefaultConfigFileContent is read into viper (not written to disk) when no
// config file is found on startup, matching the teacher's
// initConfigSnap/initConfig fallback.
const DefaultConfigFileContent = `version: "1"
server:
  realm: gorelay.local
  software: ""
  workers: 100
  relay_ip: "0.0.0.0"
  relay_network: udp4
  port_range:
    min: 49152
    max: 65535
  interfaces:
    - transport: udp
      listen: "0.0.0.0:3478"
      reuse_port: true
  prometheus:
    addr: ""
    enabled: false
  pprof: ""
auth:
  static: []
  rest_secret: ""
  stun: false
filter:
  peer:
    action: allow
    rules: []
  client:
    action: allow
    rules: []
api:
  addr: ""
`
