/*
sni-relay - TLS passthrough relay that routes by SNI.

Usage:

	sni-relay [serve] [flags]
	sni-relay version
	sni-relay config validate [flags]
	sni-relay routes [flags]
	sni-relay inspect FILE [flags]
	sni-relay token [flags]
*/
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/AtDexters-Lab/sni-relay/internal/auth"
	"github.com/AtDexters-Lab/sni-relay/internal/config"
	"github.com/AtDexters-Lab/sni-relay/internal/routing"
	"github.com/AtDexters-Lab/sni-relay/internal/version"
	"github.com/spf13/cobra"
)

var (
	// CLI flags. The logging ones override config file values when set.
	flagConfigPath string
	flagLogDir     string
	flagVerbose    bool
	flagJSON       bool

	flagInspectHex   bool
	flagInspectRoute bool

	flagTokenSubject string
	flagTokenTTL     time.Duration
	flagTokenScopes  []string
)

var rootCmd = &cobra.Command{
	Use:           "sni-relay",
	Short:         "TLS passthrough relay that routes connections by SNI",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay (default command)",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Full())
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and exit",
	RunE:  runConfigValidate,
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the routing table built from the configuration",
	RunE:  runRoutes,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect FILE",
	Short: "Decode a captured ClientHello record and report its SNI",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin API token signed with admin.jwtSecret",
	RunE:  runToken,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "config.yaml", "path to the configuration file")

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&flagLogDir, "log-dir", "", "directory for log files (empty to disable file logging)")
		cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose (DEBUG) logging")
		cmd.Flags().BoolVar(&flagJSON, "json", false, "log JSON to stderr")
	}

	inspectCmd.Flags().BoolVar(&flagInspectHex, "hex", false, "FILE holds hex text instead of raw bytes")
	inspectCmd.Flags().BoolVar(&flagInspectRoute, "route", false, "also resolve the backend using the configuration")

	tokenCmd.Flags().StringVar(&flagTokenSubject, "subject", "operator", "token subject")
	tokenCmd.Flags().DurationVar(&flagTokenTTL, "ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().StringSliceVar(&flagTokenScopes, "scope", nil, "restrict the token to these scopes (routes, stats, events)")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, versionCmd, configCmd, routesCmd, inspectCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration file, then merges the
// logging flags that were explicitly set on cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(flagConfigPath)
	if err != nil {
		return nil, err
	}

	overrides := config.CLIOverrides{}
	flags := cmd.Flags()
	if flags.Changed("log-dir") {
		overrides.LogDir = &flagLogDir
	}
	if flags.Changed("verbose") {
		overrides.Verbose = &flagVerbose
	}
	if flags.Changed("json") {
		overrides.JSON = &flagJSON
	}
	cfg.Merge(overrides)
	return cfg, nil
}

// buildRoutes converts configured routes into routing table input.
func buildRoutes(cfg *config.Config) ([]routing.Route, []routing.Target) {
	routes := make([]routing.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		routes = append(routes, routing.Route{
			Hostnames: append([]string(nil), r.Hostnames...),
			Targets:   targets(r.Backends),
		})
	}
	return routes, targets(cfg.DefaultRoute)
}

func targets(backends []config.Backend) []routing.Target {
	if len(backends) == 0 {
		return nil
	}
	out := make([]routing.Target, 0, len(backends))
	for _, b := range backends {
		out = append(out, routing.Target{Address: b.Address, Weight: b.Weight, ProxyProtocol: b.ProxyProtocol})
	}
	return out
}

func newTable(cfg *config.Config) (*routing.Table, error) {
	routes, fallback := buildRoutes(cfg)
	table, err := routing.NewTable(routes, fallback)
	if err != nil {
		return nil, fmt.Errorf("build routing table: %w", err)
	}
	return table, nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if _, err := newTable(cfg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "config OK: %d listener(s), %d route(s), default route: %t, admin: %t\n",
		len(cfg.Listeners), len(cfg.Routes), len(cfg.DefaultRoute) > 0, cfg.Admin.Enabled())
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwtSecret is not configured")
	}
	token, err := auth.IssueToken(cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer, flagTokenSubject, flagTokenTTL, flagTokenScopes...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
