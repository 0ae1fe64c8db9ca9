package config

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError represents a configuration validation error with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	if len(vr.Errors) > 0 {
		builder.WriteString("Validation errors:\n")
		for _, err := range vr.Errors {
			builder.WriteString(fmt.Sprintf("  • %s: %s\n", err.Field, err.Message))
			for _, suggestion := range err.Suggestions {
				builder.WriteString(fmt.Sprintf("    hint: %s\n", suggestion))
			}
		}
	}

	if len(vr.Warnings) > 0 {
		builder.WriteString("Validation warnings:\n")
		for _, warning := range vr.Warnings {
			builder.WriteString(fmt.Sprintf("  • %s: %s\n", warning.Field, warning.Message))
		}
	}

	return builder.String()
}

func (vr *ValidationResult) addError(field string, value interface{}, msg string, suggestions ...string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: msg, Suggestions: suggestions})
}

func (vr *ValidationResult) addWarning(field string, value interface{}, msg string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: msg})
}

var targetPattern = regexp.MustCompile(`^[a-z]+[0-9][0-9.]*$`)

// Validate checks a fully defaulted configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validatePaths(&cfg.Paths, result)
	validateServer(&cfg.Server, result)
	validateStyle(&cfg.Style, result)
	validateScript(&cfg.Script, result)

	if cfg.Images.JPEGQuality < 1 || cfg.Images.JPEGQuality > 100 {
		result.addError("images.jpeg_quality", cfg.Images.JPEGQuality, "must be between 1 and 100")
	}
	if cfg.Watch.Debounce < 0 {
		result.addError("watch.debounce", cfg.Watch.Debounce, "must not be negative")
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		result.addError("log.level", cfg.Log.Level, "unknown log level", "use debug, info, warn or error")
	}
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		result.addError("log.format", cfg.Log.Format, "must be text or json")
	}

	return result
}

func validatePaths(p *PathsConfig, result *ValidationResult) {
	patterns := []struct{ field, value string }{
		{"paths.html", p.HTML},
		{"paths.less_entry", p.LessEntry},
		{"paths.less_all", p.LessAll},
		{"paths.js_src", p.JSSrc},
		{"paths.fonts_src", p.FontsSrc},
		{"paths.img_src", p.ImgSrc},
	}
	for _, pf := range patterns {
		field, pattern := pf.field, pf.value
		if err := validateRelative(pattern); err != nil {
			result.addError(field, pattern, err.Error())
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			result.addError(field, pattern, "malformed glob pattern")
		}
	}

	for _, df := range []struct{ field, value string }{
		{"paths.css_out_dev", p.CSSOutDev},
		{"paths.js_out_dev", p.JSOutDev},
		{"paths.product", p.Product},
	} {
		field, dir := df.field, df.value
		if err := validateRelative(dir); err != nil {
			result.addError(field, dir, err.Error())
		}
	}

	if cleaned := filepath.Clean(p.Product); cleaned == "." {
		result.addError("paths.product", p.Product, "output directory cannot be the project root",
			"clean removes the whole output directory; point it at a dedicated folder such as product")
	}

	fontsBase, _ := doublestar.SplitPattern(filepath.ToSlash(p.FontsSrc))
	imgBase, _ := doublestar.SplitPattern(filepath.ToSlash(p.ImgSrc))
	if overlaps(fontsBase, imgBase) {
		result.addError("paths.img_src", p.ImgSrc, "fonts and images patterns must not overlap",
			fmt.Sprintf("fonts are rooted at %q, images at %q", fontsBase, imgBase))
	}

	if p.Root != "" {
		if info, err := os.Stat(p.Root); err != nil || !info.IsDir() {
			result.addError("paths.root", p.Root, "project root is not a directory")
		} else if _, err := os.Stat(filepath.Join(p.Root, p.HTML)); err != nil {
			result.addWarning("paths.html", p.HTML, "top-level document not found; html:build will copy nothing")
		}
	}
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.addError("server.port", s.Port, fmt.Sprintf("port %d is not in valid range 1-65535", s.Port))
	}
	if s.ReloadPort < 1 || s.ReloadPort > 65535 {
		result.addError("server.reload_port", s.ReloadPort, fmt.Sprintf("port %d is not in valid range 1-65535", s.ReloadPort))
	}
	if s.Port == s.ReloadPort {
		result.addError("server.reload_port", s.ReloadPort, "reload port must differ from the HTTP port")
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\", "/"}
	for _, char := range dangerousChars {
		if strings.Contains(s.Host, char) {
			result.addError("server.host", s.Host, fmt.Sprintf("host contains invalid character: %s", char))
			break
		}
	}

	if err := validateRelative(s.BaseDir); err != nil {
		result.addError("server.base_dir", s.BaseDir, err.Error())
	}
}

func validateStyle(s *StyleConfig, result *ValidationResult) {
	switch s.Compiler {
	case "auto", "lessc", "css":
	default:
		result.addError("style.compiler", s.Compiler, "unknown compiler", "use auto, lessc or css")
	}

	for _, target := range s.Targets {
		if !targetPattern.MatchString(target) {
			result.addError("style.targets", target, "target must look like chrome58 or safari11")
		}
	}

	validateFileName("style.min_name", s.MinName, result)
}

func validateScript(s *ScriptConfig, result *ValidationResult) {
	validateFileName("script.bundle_name", s.BundleName, result)
	validateFileName("script.min_name", s.MinName, result)
	if s.BundleName == s.MinName {
		result.addError("script.min_name", s.MinName, "must differ from script.bundle_name")
	}
}

func validateFileName(field, name string, result *ValidationResult) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		result.addError(field, name, "must be a plain file name")
	}
}

// validateRelative rejects absolute paths and parent traversal; everything the
// pipeline touches lives under the project root.
func validateRelative(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return fmt.Errorf("path must be relative to the project root: %s", p)
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return fmt.Errorf("path contains traversal: %s", p)
		}
	}
	return nil
}

func overlaps(a, b string) bool {
	a, b = path.Clean(a), path.Clean(b)
	if a == "." || b == "." {
		return true
	}
	return a == b || strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
