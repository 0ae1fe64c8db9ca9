// Package config provides configuration management for assetpipe using Viper
// for loading from files, environment variables, and command-line flags.
//
// The configuration names every path pattern the task graph consumes and
// produces, the dev server ports, and the tuning knobs handed to the
// transformation libraries (browser targets, JPEG quality). Defaults
// reproduce the conventional layout:
//
//	index.html  less/style.less  js/**/*.js  fonts/**/*  img/**/*  ->  product/
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultFileName is the config file searched for in the working directory.
const DefaultFileName = ".assetpipe"

// EnvPrefix prefixes every environment override, as in ASSETPIPE_PATHS_PRODUCT.
const EnvPrefix = "ASSETPIPE"

type Config struct {
	Paths  PathsConfig  `mapstructure:"paths" yaml:"paths"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Style  StyleConfig  `mapstructure:"style" yaml:"style"`
	Script ScriptConfig `mapstructure:"script" yaml:"script"`
	Images ImagesConfig `mapstructure:"images" yaml:"images"`
	Watch  WatchConfig  `mapstructure:"watch" yaml:"watch"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

// PathsConfig holds every source pattern and output directory. Patterns use
// doublestar syntax and are relative to Root.
type PathsConfig struct {
	Root      string `mapstructure:"root" yaml:"root"`
	HTML      string `mapstructure:"html" yaml:"html"`
	LessEntry string `mapstructure:"less_entry" yaml:"less_entry"`
	LessAll   string `mapstructure:"less_all" yaml:"less_all"`
	CSSOutDev string `mapstructure:"css_out_dev" yaml:"css_out_dev"`
	JSSrc     string `mapstructure:"js_src" yaml:"js_src"`
	JSOutDev  string `mapstructure:"js_out_dev" yaml:"js_out_dev"`
	FontsSrc  string `mapstructure:"fonts_src" yaml:"fonts_src"`
	ImgSrc    string `mapstructure:"img_src" yaml:"img_src"`
	Product   string `mapstructure:"product" yaml:"product"`
}

type ServerConfig struct {
	Host       string `mapstructure:"host" yaml:"host"`
	Port       int    `mapstructure:"port" yaml:"port"`
	ReloadPort int    `mapstructure:"reload_port" yaml:"reload_port"`
	BaseDir    string `mapstructure:"base_dir" yaml:"base_dir"`
	Open       bool   `mapstructure:"open" yaml:"open"`
}

type StyleConfig struct {
	// Compiler is "auto", "lessc" or "css".
	Compiler  string   `mapstructure:"compiler" yaml:"compiler"`
	LesscPath string   `mapstructure:"lessc_path" yaml:"lessc_path"`
	Targets   []string `mapstructure:"targets" yaml:"targets"`
	MinName   string   `mapstructure:"min_name" yaml:"min_name"`
}

type ScriptConfig struct {
	BundleName string `mapstructure:"bundle_name" yaml:"bundle_name"`
	MinName    string `mapstructure:"min_name" yaml:"min_name"`
}

type ImagesConfig struct {
	JPEGQuality int `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
}

type WatchConfig struct {
	// Debounce of zero dispatches every filesystem event as delivered.
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the configuration from the global viper instance, applies
// defaults and validates the result.
func Load() (*Config, error) {
	cfg, err := Resolve()
	if err != nil {
		return nil, err
	}
	if result := Validate(cfg); result.HasErrors() {
		first := result.Errors[0]
		return nil, fmt.Errorf("invalid configuration: %w", &first)
	}
	return cfg, nil
}

// Resolve is Load without validation.
func Resolve() (*Config, error) {
	if err := bindEnv(reflect.TypeOf(Config{}), ""); err != nil {
		return nil, err
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Flags are bound under "log-level"; fold them into the log section.
	if viper.IsSet("log-level") && viper.GetString("log-level") != "" {
		cfg.Log.Level = viper.GetString("log-level")
	}
	if viper.IsSet("server.open") {
		cfg.Server.Open = viper.GetBool("server.open")
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// bindEnv registers every mapstructure key of t with viper so that
// Unmarshal sees environment overrides for keys no flag or file mentions.
func bindEnv(t reflect.Type, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if field.Type.Kind() == reflect.Struct {
			if err := bindEnv(field.Type, key); err != nil {
				return err
			}
			continue
		}
		if err := viper.BindEnv(key, EnvVar(key)); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}
	return nil
}

// EnvVar returns the environment variable that overrides key.
func EnvVar(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

func applyDefaults(cfg *Config) {
	p := &cfg.Paths
	setDefault(&p.Root, ".")
	setDefault(&p.HTML, "index.html")
	setDefault(&p.LessEntry, "less/style.less")
	setDefault(&p.LessAll, "less/**/*.less")
	setDefault(&p.CSSOutDev, "css")
	setDefault(&p.JSSrc, "js/**/*.js")
	setDefault(&p.JSOutDev, "js")
	setDefault(&p.FontsSrc, "fonts/**/*")
	setDefault(&p.ImgSrc, "img/**/*")
	setDefault(&p.Product, "product")

	s := &cfg.Server
	setDefault(&s.Host, "localhost")
	setDefault(&s.BaseDir, ".")
	if s.Port == 0 {
		s.Port = 3000
	}
	if s.ReloadPort == 0 {
		s.ReloadPort = 35729
	}

	setDefault(&cfg.Style.Compiler, "auto")
	setDefault(&cfg.Style.LesscPath, "lessc")
	setDefault(&cfg.Style.MinName, "style.min.css")
	if len(cfg.Style.Targets) == 0 {
		cfg.Style.Targets = []string{"chrome58", "edge16", "firefox57", "safari11"}
	}

	setDefault(&cfg.Script.BundleName, "bundle.js")
	setDefault(&cfg.Script.MinName, "bundle.min.js")

	if cfg.Images.JPEGQuality == 0 {
		cfg.Images.JPEGQuality = 85
	}

	setDefault(&cfg.Log.Level, "info")
	setDefault(&cfg.Log.Format, "text")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
