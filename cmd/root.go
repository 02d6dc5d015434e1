// Package cmd provides the command-line interface for simulate with
// configuration management across multiple sources.
//
// Configuration precedence, highest first:
//  1. Command-line flags (--port, --dir, ...)
//  2. Environment variables with the SIMULATE_ prefix
//  3. Configuration file (.simulate.yml)
//
// A .env file in the working directory, if present, is loaded into the
// environment before anything else.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Browser-hosted app simulator with live reload",
	Long: `Simulate hosts an app project in the browser: it serves the prepared
platform output next to a simulation-host UI, watches the project source tree,
and pushes live-reload notifications to connected browsers as files change.

Quick Start:
  simulate serve                  Start the simulator
  simulate serve --forceprepare   Rebuild on every change instead of copying
  simulate version                Print the version`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .simulate.yml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	if err := viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		fmt.Fprintf(os.Stderr, "Error binding log-level flag: %v\n", err)
	}
}

func initConfig() {
	// Best effort; missing .env is the normal case.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(".simulate")
		viper.SetConfigType("yml")
	}

	viper.SetEnvPrefix("SIMULATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}
