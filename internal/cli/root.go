// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-opgpcard.
//
// go-opgpcard is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global configuration
	globalConfig *Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "opgpcard",
	Short: "opgpcard CLI - OpenPGP card data store tool",
	Long: `opgpcard CLI manages persistent OpenPGP card images: the
log-structured data object pool, the signature and password error
counters, and the encrypted private key area.

Card images are flat files with flash semantics (program clears bits,
erase works per page). The CLI can provision new images, inspect the
record log, compact the data pool, and export passphrase-encrypted
backups.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initViperConfig)

	// Initialize global config
	globalConfig = NewConfig()

	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&globalConfig.ConfigFile, "config", "",
		"config file (default is $HOME/.opgpcard.yaml)")
	rootCmd.PersistentFlags().StringVar(&globalConfig.Image, "image", "opgpcard.img",
		"path to the card image file")
	rootCmd.PersistentFlags().StringVarP(&globalConfig.OutputFormat, "output", "o", "text",
		"output format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&globalConfig.Verbose, "verbose", "v", false,
		"verbose output")

	_ = viper.BindPFlag("image", rootCmd.PersistentFlags().Lookup("image"))
	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	// Add subcommands
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}

// initViperConfig loads the optional YAML config file and folds its values
// into the global configuration. Flags given explicitly win.
func initViperConfig() {
	if globalConfig.ConfigFile != "" {
		viper.SetConfigFile(globalConfig.ConfigFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".opgpcard")
		}
	}
	viper.SetEnvPrefix("OPGPCARD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		printVerbose("using config file: %s", viper.ConfigFileUsed())
		if !rootCmd.PersistentFlags().Changed("image") {
			if v := viper.GetString("image"); v != "" {
				globalConfig.Image = v
			}
		}
		if !rootCmd.PersistentFlags().Changed("output") {
			if v := viper.GetString("output"); v != "" {
				globalConfig.OutputFormat = v
			}
		}
	}
}

// getConfig returns the global configuration
func getConfig() *Config {
	return globalConfig
}

// handleError prints an error and exits with code 1
func handleError(err error) {
	printer := NewPrinter(globalConfig.OutputFormat, os.Stderr)
	_ = printer.PrintError(err) // Error printing to stderr is best-effort
	os.Exit(1)
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if globalConfig.Verbose {
		fmt.Fprintf(os.Stderr, "[VERBOSE] "+format+"\n", args...)
	}
}
