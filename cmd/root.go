// Package cmd holds the command line interface of the collaboration server.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootCommand creates the root command with the serve and migrate
// subcommands. Flags are bound into v so they take precedence over the
// environment and the config file.
func RootCommand(v *viper.Viper) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "satukolab",
		Short:         "Presence, locking and conflict resolution for collaborative editing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("addr", "", "Listen address, e.g. :8080")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	if err := setupFlags(rootCmd, v); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		serveCommand(v, &configFile),
		migrateCommand(v, &configFile),
	)
	return rootCmd
}

// setupFlags binds the global flags to their config keys.
func setupFlags(rootCmd *cobra.Command, v *viper.Viper) error {
	for key, flag := range map[string]string{
		"server.addr": "addr",
		"log.level":   "log-level",
	} {
		if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}
