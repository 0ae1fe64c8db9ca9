// Package cmd provides the command-line interface for assetpipe.
//
// Configuration is resolved from several sources, highest priority first:
//
//  1. Command-line flags (--port, --log-level, ...)
//  2. ASSETPIPE_<SECTION>_<KEY> environment variables (ASSETPIPE_SERVER_PORT)
//  3. The file named by --config or ASSETPIPE_CONFIG_FILE
//  4. .assetpipe.yml in the working directory
//  5. Built-in defaults
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/recipe"
)

var cfgFile string

// rootCmd runs the dev flow when called without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "assetpipe",
	Short: "Front-end asset build and live-reload dev server",
	Long: `assetpipe compiles style sheets, concatenates scripts, copies pages and
fonts, and optimizes images into a deployable product directory. In dev mode
it serves the project, watches sources and pushes changes to the browser.

Quick Start:
  assetpipe                 Compile dev assets and serve with live reload
  assetpipe build           Clean and build the product directory
  assetpipe tasks           List every task
  assetpipe run css:build   Run a single task`,
	SilenceUsage: true,
	Args:         cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runNamedTask(cmd, recipe.DefaultTask)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .assetpipe.yml, can also use ASSETPIPE_CONFIG_FILE env var)")
	addLogFlags(rootCmd)
	addServerFlags(rootCmd)
}

// initConfig points viper at the config file and enables environment
// overrides. A missing file is not an error.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("ASSETPIPE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(config.DefaultFileName)
	}

	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
