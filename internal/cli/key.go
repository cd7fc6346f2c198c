package cli

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gorelay/gorelayd/internal/crypto"
)

func getAlgorithmFromFlags(f *pflag.FlagSet) crypto.Algorithm {
	a, err := f.GetString("algorithm")
	if err != nil {
		log.Fatal("failed to get algorithm")
	}
	if strings.EqualFold(a, "sha256") {
		return crypto.AlgorithmSHA256
	}
	return crypto.AlgorithmMD5
}

func getIntegrityHexFromFlags(f *pflag.FlagSet) string {
	u, err := f.GetString("user")
	if err != nil {
		log.Fatal("failed to get user")
	}
	r, err := f.GetString("realm")
	if err != nil {
		log.Fatal("failed to get realm")
	}
	p, err := f.GetString("password")
	if err != nil {
		log.Fatal("failed to get password")
	}
	return hex.EncodeToString(crypto.LongTermKey(u, r, p, getAlgorithmFromFlags(f)))
}

func getKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "derive the long-term credential key for a username/realm/password",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("0x%s\n", getIntegrityHexFromFlags(cmd.Flags()))
		},
	}
	cmd.Flags().StringP("user", "u", "", "username")
	cmd.Flags().StringP("password", "p", "", "password")
	cmd.Flags().StringP("realm", "r", "", "realm")
	cmd.Flags().String("algorithm", "md5", "password algorithm: md5 or sha256")

	return cmd
}
