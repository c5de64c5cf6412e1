package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/k2io/hotpatch"
	"github.com/k2io/hotpatch/code"
	"github.com/k2io/hotpatch/internal/logging"
)

// Config is the TOML file read with --config.
type Config struct {
	Debug bool        `toml:"debug"`
	Code  code.Config `toml:"code"`
}

var (
	configPath string
	debug      bool
	cfg        Config
)

var rootCmd = &cobra.Command{
	Use:   "hotpatch",
	Short: "Hook functions of this process and inspect executable memory",
	Long: `hotpatch installs inline hooks on functions of its own binary, assembles
dynamic functions and prints what the code allocator reserved.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if debug {
			c.Debug = true
		}
		cfg = c
		hotpatch.SetDebug(cfg.Debug)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

func loadConfig(path string) (Config, error) {
	var c Config
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "read config")
	}
	if err := toml.Unmarshal(b, &c); err != nil {
		return c, errors.Wrapf(err, "parse %s", path)
	}
	return c, nil
}

func newManager() (*code.PageManager, error) {
	return code.NewPageManager(cfg.Code)
}

type disposer interface {
	Dispose() error
}

// dispose is for deferred cleanup, where the error has nowhere else to go.
func dispose(what string, d disposer) {
	if err := d.Dispose(); err != nil {
		logging.Logger().Warn("dispose failed", "what", what, "err", err)
	}
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
