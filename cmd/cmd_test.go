package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/assetpipe/internal/config"
	"github.com/conneroisu/assetpipe/internal/version"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// setup points the global config at a fresh project and returns a command
// whose output is captured.
func setup(t *testing.T) (string, *cobra.Command, *bytes.Buffer) {
	t.Helper()
	root := t.TempDir()
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("paths.root", root)
	viper.Set("style.compiler", "css")

	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)
	c.SetErr(io.Discard)
	return root, c, &out
}

func mustResolve(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Resolve()
	require.NoError(t, err)
	return cfg
}

func validateResolved(t *testing.T) *config.ValidationResult {
	t.Helper()
	return config.Validate(mustResolve(t))
}

func TestRunBuild(t *testing.T) {
	root, c, out := setup(t)
	writeFile(t, filepath.Join(root, "index.html"), "<html><body></body></html>")
	writeFile(t, filepath.Join(root, "less", "style.less"), "body { margin: 0; }\n")
	writeFile(t, filepath.Join(root, "js", "app.js"), "var app = 1;\n")

	require.NoError(t, runNamedTask(c, "build"))

	assert.FileExists(t, filepath.Join(root, "product", "index.html"))
	assert.FileExists(t, filepath.Join(root, "product", "css", "style.min.css"))
	assert.FileExists(t, filepath.Join(root, "product", "js", "bundle.min.js"))
	assert.Contains(t, out.String(), "Starting '")
	assert.Contains(t, out.String(), "Finished '")
}

func TestRunFailures(t *testing.T) {
	root, c, _ := setup(t)
	writeFile(t, filepath.Join(root, "less", "style.less"), "@import \"./missing.less\";\n")

	assert.Error(t, runNamedTask(c, "css:build"))
	assert.Error(t, runNamedTask(c, "deploy"))

	viper.Set("images.jpeg_quality", 500)
	assert.Error(t, runNamedTask(c, "clean"), "invalid configuration")
}

func TestCommandsRegistered(t *testing.T) {
	for _, name := range append([]string{"dev", "build", "run", "tasks", "config", "version"}, leafTasks...) {
		found, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, found.Name())
	}
}

func TestTasksListing(t *testing.T) {
	_, c, out := setup(t)
	require.NoError(t, runTasks(c, nil))

	text := out.String()
	assert.Contains(t, text, "Tasks")
	assert.Contains(t, text, "Composites")
	assert.Contains(t, text, "images:build")
	assert.Contains(t, text, "dev (default)")
	assert.Contains(t, text, "series(clean, parallel(css:build, js:build, html:build, fonts:build, images:build))")
}

func TestConfigShow(t *testing.T) {
	_, _, _ = setup(t)
	var out bytes.Buffer

	cfg := mustResolve(t)
	require.NoError(t, writeConfig(&out, cfg, "yaml"))
	assert.Contains(t, out.String(), "less_entry: less/style.less")
	assert.Contains(t, out.String(), "compiler: css")

	out.Reset()
	require.NoError(t, writeConfig(&out, cfg, "json"))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Contains(t, decoded, "Paths")

	assert.Error(t, writeConfig(&out, cfg, "toml"))
}

func TestConfigValidate(t *testing.T) {
	root, _, _ := setup(t)
	var out bytes.Buffer

	// No index.html yet: a warning only.
	result := validateResolved(t)
	require.NoError(t, reportValidation(&out, result, false))
	assert.Contains(t, out.String(), "top-level document not found")
	assert.Error(t, reportValidation(&out, result, true))

	writeFile(t, filepath.Join(root, "index.html"), "<p></p>")
	out.Reset()
	require.NoError(t, reportValidation(&out, validateResolved(t), true))
	assert.Contains(t, out.String(), "Configuration is valid.")

	viper.Set("server.reload_port", 3000)
	assert.Error(t, reportValidation(&out, validateResolved(t), false))
}

func TestVersionCommand(t *testing.T) {
	oldVersion, oldFormat, oldShort := version.Version, versionFormat, versionShort
	t.Cleanup(func() { version.Version, versionFormat, versionShort = oldVersion, oldFormat, oldShort })
	version.Version = "v0.3.0"

	var out bytes.Buffer
	c := &cobra.Command{}
	c.SetOut(&out)

	versionFormat, versionShort = "text", true
	require.NoError(t, runVersionCommand(c, nil))
	assert.Contains(t, out.String(), "v0.3.0")

	out.Reset()
	versionFormat, versionShort = "json", false
	require.NoError(t, runVersionCommand(c, nil))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "v0.3.0", decoded["version"])
	assert.Equal(t, true, decoded["is_release"])

	versionFormat = "xml"
	assert.Error(t, runVersionCommand(c, nil))
}
