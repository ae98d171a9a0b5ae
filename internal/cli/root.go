// Package cli implements the docstore command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/docstore/internal/schema"
	"github.com/mesh-intelligence/docstore/pkg/docstore"
	"github.com/mesh-intelligence/docstore/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
	verbose   bool
}

// app is the state shared by the subcommands of one root command.
type app struct {
	flags rootFlags
	cfg   types.Config
	log   *zap.Logger
}

// NewRootCmd creates the top-level "docstore" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{log: zap.NewNop()}
	root := &cobra.Command{
		Use:   "docstore",
		Short: "Inspect and initialize a relational document store",
		Long:  "docstore creates document tables and reads documents, query pages and\nchange feeds from a SQLite, PostgreSQL or SQL Server backend.",
		// Do not print usage on errors returned by subcommands.
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.configure()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "data directory for the sqlite backend (default: $(CWD)/.docstore-db)")
	pf.BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(newVersionCmd(a))
	root.AddCommand(newInitCmd(a))
	root.AddCommand(newGetCmd(a))
	root.AddCommand(newQueryCmd(a))
	root.AddCommand(newChangesCmd(a))

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}

// exitCode separates backend failures from bad input.
func exitCode(err error) int {
	if errors.Is(err, types.ErrTransport) {
		return exitSysError
	}
	return exitUserError
}

func (a *app) configure() error {
	if a.flags.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("creating logger: %w", err)
		}
		a.log = l
	}
	cfg, err := loadConfig(a.flags.configDir, a.flags.dataDir)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log.Debug("config loaded", zap.String("backend", cfg.Backend), zap.String("data_dir", cfg.DataDir))
	return nil
}

// openStore opens the configured backend with a bare table registered for
// each name.
func (a *app) openStore(ctx context.Context, tables ...string) (*docstore.Store, error) {
	reg := schema.NewRegistry()
	for _, name := range tables {
		reg.EnsureTable(name)
	}
	return docstore.Open(ctx, a.cfg, docstore.WithRegistry(reg), docstore.WithLogger(a.log))
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
