// ABOUTME: Operator CLI for coven-apps: tokens, platform keys and API queries
// ABOUTME: Flags bind to COVEN_APPS_* environment variables through viper

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/2389/coven-apps/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// tokenFromFile reads the token bootstrap saved next to the config.
func tokenFromFile() string {
	b, err := os.ReadFile(filepath.Join(filepath.Dir(config.DefaultPath()), "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("COVEN_APPS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "coven-apps-admin",
		Short:         "Administer a coven-apps server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().String("url", "http://localhost:8080", "server base URL (COVEN_APPS_URL)")
	root.PersistentFlags().String("token", "", "bearer token (COVEN_APPS_TOKEN, defaults to the bootstrap token file)")
	root.PersistentFlags().String("config", config.DefaultPath(), "server config file (COVEN_APPS_CONFIG)")
	root.PersistentFlags().Bool("json", false, "print raw JSON")
	for _, name := range []string{"url", "token", "config", "json"} {
		_ = v.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}

	clientFor := func(cmd *cobra.Command) *apiClient {
		token := v.GetString("token")
		if token == "" {
			token = tokenFromFile()
		}
		return newAPIClient(v.GetString("url"), token, cmd.OutOrStdout(), v.GetBool("json"))
	}

	root.AddCommand(
		tokenCmd(v),
		newKeyCmd(),
		appsCmd(clientFor),
		connectionsCmd(clientFor),
		serversCmd(clientFor),
		runsCmd(clientFor),
	)
	return root
}

func printKV(cmd *cobra.Command, key, value string) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.CyanString("%-10s", key+":"), value)
}
