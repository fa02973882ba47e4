// Package cli implements the speedtest command-line client.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pewspeed/internal/config"
	"pewspeed/internal/storage"
	logx "pewspeed/pkg/logx"
	"pewspeed/pkg/speedtest"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

type globalFlags struct {
	configPath string
	server     string
	logLevel   string
	noColor    bool
	verbose    bool
}

// env is the per-invocation wiring shared by subcommands.
type env struct {
	cfg   *config.Config
	log   logx.Logger
	out   io.Writer
	store storage.Store
}

func (e *env) Close() error {
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// history returns the store as a speedtest.History, nil when disabled.
func (e *env) history() speedtest.History {
	if e.store == nil {
		return nil
	}
	return e.store
}

func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "speedtest",
		Short:         "Measure download, upload and ping against a pewspeed server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if g.noColor {
				color.NoColor = true
			}
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "./config.json", "config file (json or yaml); missing is fine")
	pf.StringVarP(&g.server, "server", "s", "", "server base URL, overrides client.server")
	pf.StringVar(&g.logLevel, "log-level", "", "log level, overrides logging.level (default warn)")
	pf.BoolVar(&g.noColor, "no-color", false, "disable colored output")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "print transfer details")

	root.AddCommand(
		newRunCommand(g, errOut),
		newHistoryCommand(g, errOut),
		newStatsCommand(g, errOut),
		newScheduleCommand(g, errOut),
		newCheckCommand(g, errOut),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(ctx context.Context, args []string, out, errOut io.Writer) int {
	root := NewRootCommand(out, errOut)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(errOut, color.RedString("error:"), err)
		return 1
	}
	return 0
}

// setup loads config and opens the history store. withStore=false skips
// storage for commands that never touch history.
func setup(cmd *cobra.Command, g *globalFlags, errOut io.Writer, withStore bool) (*env, error) {
	cfgm := config.NewConfigManager(g.configPath)
	cfg, _, err := cfgm.LoadOptional()
	if err != nil {
		return nil, err
	}
	if s := strings.TrimSpace(g.server); s != "" {
		c := *cfg
		c.Client.Server = s
		cfg = &c
	}

	level := strings.TrimSpace(g.logLevel)
	if level == "" {
		level = strings.TrimSpace(cfg.Logging.Level)
	}
	if level == "" {
		level = "warn"
	}
	var log logx.Logger
	if f, ok := errOut.(*os.File); ok && f == os.Stderr {
		log = logx.NewConsole(level)
	} else {
		log = logx.NewWriter(errOut, level)
	}

	e := &env{cfg: cfg, log: log, out: cmd.OutOrStdout()}
	if !withStore {
		return e, nil
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	e.store = st
	return e, nil
}
