// Package cli implements the command line interface for gorelayd, grounded
// on the teacher's internal/cli.rootCmd (global Viper instance, Cobra
// commands, SIGUSR2-driven hot reload), generalized from a single UDP
// server.Options to this module's multi-interface service.Options.
package cli

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gorelay/gorelayd/internal/config"
	"github.com/gorelay/gorelayd/internal/service"
)

func buildServiceOptions(l *zap.Logger, c *config.Config) (service.Options, error) {
	o := service.Options{
		Log:             l,
		Realm:           c.Realm,
		Software:        c.Software,
		Workers:         c.Workers,
		RelayIP:         net.ParseIP(c.RelayIP),
		RelayNetwork:    c.RelayNetwork,
		PortMin:         c.PortRangeMin,
		PortMax:         c.PortRangeMax,
		Auth:            c.BuildHandler(),
		PeerRule:        c.PeerFilter,
		ClientRule:      c.ClientFilter,
		AuthForSTUN:     c.AuthSTUNForced,
		DefaultLifetime: secondsOrDefault(c.DefaultLifetimeSeconds, 10*time.Minute),
		MaxLifetime:     secondsOrDefault(c.MaxLifetimeSeconds, time.Hour),
		NonceLifetime:   secondsOrDefault(c.NonceLifetimeSeconds, time.Hour),
		Registerer:      prometheus.NewPedanticRegistry(),
		ManageAddr:      c.APIAddr,
	}
	if c.PermissionLifetimeSeconds > 0 {
		o.PermissionLifetime = time.Duration(c.PermissionLifetimeSeconds) * time.Second
	}
	for _, ifc := range c.Interfaces {
		tlsConf, err := config.TLSConfigFor(ifc.TLS)
		if err != nil {
			return service.Options{}, err
		}
		o.Interfaces = append(o.Interfaces, service.InterfaceOptions{
			Transport:   ifc.Transport,
			Listen:      ifc.Listen,
			TLSConfig:   tlsConf,
			IdleTimeout: parseDurationOrZero(ifc.IdleTimeout),
			ReusePort:   ifc.ReusePort,
		})
	}
	return o, nil
}

func secondsOrDefault(seconds int, d time.Duration) time.Duration {
	if seconds <= 0 {
		return d
	}
	return time.Duration(seconds) * time.Second
}

func parseDurationOrZero(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

var rootCmd = &cobra.Command{
	Use:   "gorelayd",
	Short: "gorelayd is a STUN and TURN server",
	Run: func(cmd *cobra.Command, args []string) {
		logCfg, err := config.ZapConfig(viper.GetViper())
		if err != nil {
			panic(err)
		}
		l, err := logCfg.Build()
		if err != nil {
			panic(err)
		}
		defer l.Sync() //nolint:errcheck

		if cfgPath := viper.ConfigFileUsed(); cfgPath != "" {
			l.Info("config file used", zap.String("path", cfgPath))
		} else {
			l.Info("default configuration used")
		}
		if strings.Split(viper.GetString("version"), ".")[0] != "1" {
			l.Fatal("unsupported config file version", zap.String("v", viper.GetString("version")))
		}

		c, err := config.Load(l, viper.GetViper())
		if err != nil {
			l.Fatal("failed to load configuration", zap.Error(err))
		}

		if c.PprofAddr != "" {
			l.Warn("running pprof", zap.String("addr", c.PprofAddr))
			go serveRawPprof(l, c.PprofAddr)
		}

		o, err := buildServiceOptions(l, c)
		if err != nil {
			l.Fatal("failed to build service options", zap.Error(err))
		}

		if c.PrometheusAddr != "" && c.PrometheusEnabled {
			reg, _ := o.Registerer.(*prometheus.Registry)
			l.Warn("running prometheus metrics", zap.String("addr", c.PrometheusAddr))
			go serveMetrics(l, c.PrometheusAddr, reg)
		}

		svc, err := service.New(o)
		if err != nil {
			l.Fatal("failed to build service", zap.Error(err))
		}

		if c.APIAddr != "" {
			l.Info("management api reachable", zap.String("addr", c.APIAddr))
		}

		for _, addr := range svc.ListenerAddrs() {
			l.Info("listening", zap.Stringer("addr", addr))
		}

		if err := svc.Serve(); err != nil {
			l.Error("server stopped", zap.Error(err))
			_ = l.Sync()
			os.Exit(2)
		}
	},
}

func serveRawPprof(l *zap.Logger, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if err := http.ListenAndServe(addr, mux); err != nil { //nolint:gosec
		l.Error("pprof failed to listen", zap.String("addr", addr), zap.Error(err))
	}
}

func serveMetrics(l *zap.Logger, addr string, reg *prometheus.Registry) {
	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(l),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
	if err := http.ListenAndServe(addr, handler); err != nil { //nolint:gosec
		l.Error("prometheus failed to listen", zap.String("addr", addr), zap.Error(err))
	}
}

var cfgFile string

func initConfigCommon() {
	home, err := homedir.Dir()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to find home directory:", err)
		os.Exit(1)
	}
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/gorelayd/")
	viper.AddConfigPath(home)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		initConfigCommon()
		viper.SetConfigName("gorelayd")
		viper.SetConfigType("yaml")
	}
	err := viper.ReadInConfig()
	if _, notFound := err.(viper.ConfigFileNotFoundError); notFound {
		err = viper.ReadConfig(strings.NewReader(config.DefaultConfigFileContent))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to read config:", err)
		os.Exit(1)
	}
}

func mustBind(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to bind flag:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/gorelayd.yml)")
	rootCmd.Flags().String("pprof", "", "pprof address if specified")
	mustBind(viper.BindPFlag("server.pprof", rootCmd.Flags().Lookup("pprof")))
	viper.SetDefault("server.workers", 100)
	viper.SetDefault("auth.stun", false)
	viper.SetDefault("version", "1")
	viper.SetDefault("server.prometheus.enabled", false)
	rootCmd.AddCommand(getKeyCmd())
	rootCmd.AddCommand(getReloadCmd())
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
