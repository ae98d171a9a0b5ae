package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init [table...]",
		Short: "Initialize docstore storage",
		Long: `Create the configuration file, the row-version machinery and a document
table for each name given. Running it again is harmless.

Example:
  docstore init Orders Customers`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runInit(cmd, args)
		},
	}
}

type initResult struct {
	Backend string   `json:"backend"`
	DataDir string   `json:"data_dir,omitempty"`
	Tables  []string `json:"tables"`
}

func (a *app) runInit(cmd *cobra.Command, tables []string) error {
	ctx := cmd.Context()
	st, err := a.openStore(ctx, tables...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}

	res := initResult{Backend: a.cfg.Backend, Tables: tables}
	if res.Tables == nil {
		res.Tables = []string{}
	}
	if a.cfg.DSN == "" {
		res.DataDir = a.cfg.DataDir
	}
	if a.flags.jsonMode {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "docstore initialized (%s", res.Backend)
	if res.DataDir != "" {
		fmt.Fprintf(cmd.OutOrStdout(), " at %s", res.DataDir)
	}
	fmt.Fprintf(cmd.OutOrStdout(), ", %d tables)\n", len(tables))
	return nil
}
