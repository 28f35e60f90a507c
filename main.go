// Package main provides the entry point for the graphcache CLI.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/graphcache/internal/cache"
	"github.com/dgnsrekt/graphcache/internal/config"
	"github.com/dgnsrekt/graphcache/internal/store"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	policyName string
	ttl        time.Duration
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "graphcache",
		Short: "Inspect and feed a normalized GraphQL record cache",
		Long: paragraph(
			fmt.Sprintf("\nInspect and feed a %s GraphQL record cache.", keyword("normalized")),
		),
		SilenceErrors:    false,
		SilenceUsage:     true,
		TraverseChildren: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOptions(cmd)
		},
	}
)

func validateOptions(cmd *cobra.Command) error {
	if cmd.Flags().Changed("config") {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	if debug || viper.GetBool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	if _, err := cache.ParseStoragePolicy(viper.GetString(config.KeyPolicy)); err != nil {
		return err
	}
	if _, err := time.ParseDuration(viper.GetString(config.KeyTTL)); err != nil {
		return fmt.Errorf("invalid ttl: %w", err)
	}
	return nil
}

// openCache opens the configured cache. Callers must Close it.
func openCache() (*cache.Manager, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return store.Open(cfg, log.Default())
}

// requestContext builds the routing for a merge from flags and config.
func requestContext() (*cache.RequestContext, error) {
	policy, err := cache.ParseStoragePolicy(viper.GetString(config.KeyPolicy))
	if err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(viper.GetString(config.KeyTTL))
	if err != nil {
		return nil, fmt.Errorf("invalid ttl: %w", err)
	}
	return &cache.RequestContext{Policy: policy, TTL: d}, nil
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", configFile, "config file")
	rootCmd.PersistentFlags().StringVarP(&policyName, "policy", "p", cache.PolicyMemoryAndDurable.String(), "storage policy for merges (memory-and-durable, memory-only, durable-only)")
	rootCmd.PersistentFlags().DurationVar(&ttl, "ttl", 0, "time-to-live hint for durable writes (0 disables)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	// Config bindings
	_ = viper.BindPFlag(config.KeyPolicy, rootCmd.PersistentFlags().Lookup("policy"))
	_ = viper.BindPFlag(config.KeyTTL, rootCmd.PersistentFlags().Lookup("ttl"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	rootCmd.AddCommand(loadCmd, mergeCmd, removeCmd, invalidateCmd, clearCmd, statsCmd, pruneCmd, watchCmd, configCmd)
}

func tryLoadConfigFromDefaultPlaces() {
	scope := gap.NewScope(gap.User, "graphcache")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "graphcache")}, dirs...)
	}

	if c := os.Getenv("GRAPHCACHE_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	dataDir, err := scope.CacheDir()
	if err != nil {
		dataDir = filepath.Join(os.TempDir(), "graphcache")
	}
	config.SetDefaults(viper.GetViper(), dataDir)

	viper.SetConfigName("graphcache")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("graphcache")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", viper.ConfigFileUsed())
		return
	}

	if viper.ConfigFileUsed() == "" {
		configFile = filepath.Join(dirs[0], "graphcache.yml")
	}
	if err := ensureConfigFile(); err != nil {
		log.Error("Could not create default configuration", "error", err)
	}
}
