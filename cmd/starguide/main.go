// Command starguide calibrates and runs an autoguider.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/StarGuide/internal/config"
	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/logic/guider"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	debugLevel int // -1 = use config
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, guider.ErrIllegalTransition) {
			fmt.Fprintln(os.Stderr, "The guider is not in a state that allows this operation.")
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "starguide",
		Short:         "Autoguider for astrophotography",
		Long:          "starguide calibrates a guide port or adaptive optics unit against a guide camera and keeps a star in place while the main camera exposes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := validateDebugLevel(g.debugLevel); err != nil {
				return err
			}
			c, err := config.Load(g.configPath)
			if err != nil {
				return fmt.Errorf("load config failed: %w", err)
			}
			if g.debugLevel >= 0 {
				c.Defaults.DebugLevel = g.debugLevel
			}
			debug.Init(c.Defaults.DebugLevel)
			debug.Section("Initialization")
			debug.Value("Config path", g.configPath)
			debug.Value("Debug level", c.Defaults.DebugLevel)
			cfg = c
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", filepath.Join("configs", "default.yaml"), "path to config file")
	root.PersistentFlags().IntVar(&g.debugLevel, "debug", -1, "debug level 0-4, overrides defaults.debug_level")

	conf := func() *config.Config { return cfg }
	root.AddCommand(
		newCalibrateCommand(conf),
		newGuideCommand(conf, g),
		newBacklashCommand(conf),
		newCalibrationsCommand(conf),
		newServeCommand(conf, g),
		newSequenceCommand(conf, g),
	)
	return root
}
