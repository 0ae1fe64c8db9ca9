package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagBinding ties a flag name to the config key it overrides.
type flagBinding struct {
	flag string
	key  string
}

var (
	logBindings = []flagBinding{
		{flag: "log-level", key: "log-level"},
		{flag: "log-format", key: "log.format"},
	}
	serverBindings = []flagBinding{
		{flag: "host", key: "server.host"},
		{flag: "port", key: "server.port"},
		{flag: "reload-port", key: "server.reload_port"},
		{flag: "open", key: "server.open"},
	}
)

func addLogFlags(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.StringP("log-level", "l", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (text, json)")
	bindFlags(fs, logBindings)
}

// addServerFlags registers the dev server flags. They are persistent so
// both the bare command and the dev subcommand accept them.
func addServerFlags(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.String("host", "", "host to bind the dev server to")
	fs.IntP("port", "p", 0, "dev server port")
	fs.Int("reload-port", 0, "live-reload control port")
	fs.Bool("open", false, "open the browser once the server is up")
	bindFlags(fs, serverBindings)
}

// bindFlags makes explicitly set flags win over file and environment values.
// Unset flags fall through to viper's other sources.
func bindFlags(fs *pflag.FlagSet, bindings []flagBinding) {
	for _, b := range bindings {
		if f := fs.Lookup(b.flag); f != nil {
			_ = viper.BindPFlag(b.key, f)
		}
	}
}
