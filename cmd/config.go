package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/conneroisu/assetpipe/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
	Long: `Inspect the configuration assetpipe runs with after merging the config
file, environment variables, flags and defaults.

Examples:
  assetpipe config show                # Show as YAML
  assetpipe config show --format json  # Show as JSON
  assetpipe config validate --strict   # Treat warnings as errors`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

var (
	configFormat string
	configStrict bool
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configValidateCmd)

	configShowCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "Output format (yaml, json)")
	configValidateCmd.Flags().BoolVar(&configStrict, "strict", false, "Treat warnings as errors")
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Resolve()
	if err != nil {
		return err
	}
	return writeConfig(cmd.OutOrStdout(), cfg, configFormat)
}

func writeConfig(out io.Writer, cfg *config.Config, format string) error {
	switch format {
	case "yaml", "yml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		return fmt.Errorf("unsupported format: %s (supported: yaml, json)", format)
	}
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Resolve()
	if err != nil {
		return err
	}
	return reportValidation(cmd.OutOrStdout(), config.Validate(cfg), configStrict)
}

func reportValidation(out io.Writer, result *config.ValidationResult, strict bool) error {
	if !result.HasErrors() && !result.HasWarnings() {
		fmt.Fprintln(out, "Configuration is valid.")
		return nil
	}

	fmt.Fprint(out, result.String())
	if result.HasErrors() {
		return errors.New("configuration is invalid")
	}
	if strict {
		return errors.New("configuration has warnings (strict mode)")
	}
	return nil
}
