package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gorelay/gorelayd/internal/config"
)

// execReload notifies a running gorelayd's management API that it should
// re-read its config file, grounded on the teacher's execReload, adapted
// from its per-instance-Viper signature to this package's global Viper.
func execReload(f *pflag.FlagSet, stdout io.Writer) {
	logCfg, err := config.ZapConfig(viper.GetViper())
	if err != nil {
		panic(err)
	}
	if silent, _ := f.GetBool("silent"); silent {
		logCfg.Level.SetLevel(zapcore.WarnLevel)
	}
	l, err := logCfg.Build()
	if err != nil {
		panic(err)
	}
	defer l.Sync() //nolint:errcheck

	apiAddr := viper.GetString("api.addr")
	if apiAddr == "" {
		l.Fatal("no api.addr config set")
	}
	res, err := http.Get("http://" + apiAddr + "/reload") //nolint:gosec,noctx
	if err != nil {
		l.Fatal("failed to perform http request", zap.Error(err))
	}
	defer res.Body.Close() //nolint:errcheck
	if res.StatusCode != http.StatusOK {
		l.Fatal("unexpected status code", zap.Int("code", res.StatusCode), zap.String("status", res.Status))
	}
	body := new(bytes.Buffer)
	if _, err := io.Copy(body, res.Body); err != nil {
		l.Warn("failed to read response body", zap.Error(err))
	}
	fmt.Fprintln(stdout, "OK", "-", strings.TrimSpace(body.String())) //nolint:errcheck
}

func getReloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "notify a running server to reload its config via the management api",
		Run: func(cmd *cobra.Command, args []string) {
			execReload(cmd.Flags(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolP("silent", "s", true, "log only errors")
	return cmd
}
