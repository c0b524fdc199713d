// Package config loads the command line settings of gwxlate.
package config

import (
	"os"

	"github.com/jxskiss/errors"
	"github.com/jxskiss/gopkg/v2/confr"
	"github.com/jxskiss/gopkg/v2/easy"
	"github.com/jxskiss/gopkg/v2/zlog"

	"github.com/jxskiss/gwxlate/pkg/capability"
)

// DefaultFile is read when no configuration file is given and it exists
// in the working directory.
const DefaultFile = ".gwxlate.yaml"

type Configuration struct {
	LogLevel        string `yaml:"logLevel" env:"GWXLATE_LOG_LEVEL" default:"info"`
	OutputDir       string `yaml:"outputDir" env:"GWXLATE_OUTPUT_DIR" default:"./generated"`
	DefaultProvider string `yaml:"defaultProvider" env:"GWXLATE_PROVIDER"`
	FailOnWarnings  bool   `yaml:"failOnWarnings" env:"GWXLATE_FAIL_ON_WARNINGS"`
}

// ReadConfig loads file, or DefaultFile when file is empty, applying
// defaults and GWXLATE_* environment overrides. A missing DefaultFile
// is not an error.
func ReadConfig(file string) (*Configuration, error) {
	var files []string
	switch {
	case file != "":
		files = append(files, file)
	case fileExists(DefaultFile):
		files = append(files, DefaultFile)
	}
	cfg := &Configuration{}
	err := confr.New(&confr.Config{}).Load(cfg, files...)
	if err != nil {
		return nil, errors.WithMessage(err, "failed read configuration")
	}
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	zlog.Debugf("gwxlate configuration: %v", easy.JSON(cfg))
	return cfg, nil
}

func (cfg *Configuration) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("invalid log level %q", cfg.LogLevel)
	}
	if cfg.DefaultProvider != "" {
		if _, err := capability.ParseTarget(cfg.DefaultProvider); err != nil {
			return errors.WithMessage(err, "invalid default provider")
		}
	}
	return nil
}

// Target resolves name, falling back to the default provider.
func (cfg *Configuration) Target(name string) (capability.Target, error) {
	if name == "" {
		name = cfg.DefaultProvider
	}
	if name == "" {
		return "", errors.New("no provider given and no default provider configured")
	}
	return capability.ParseTarget(name)
}

// SetupLogging configures the global loggers for the configured level.
// Verbose forces debug output.
func (cfg *Configuration) SetupLogging(verbose bool) {
	if verbose || cfg.LogLevel == "debug" {
		zlog.SetDevelopment()
		return
	}
	zlog.SetupGlobals(&zlog.Config{Level: cfg.LogLevel})
}

func fileExists(name string) bool {
	st, err := os.Stat(name)
	return err == nil && !st.IsDir()
}
