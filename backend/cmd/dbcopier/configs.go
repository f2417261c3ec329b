package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"dbcopier/backend/internal/masking"
	"dbcopier/backend/internal/types"
)

func newConfigsCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "configs",
		Aliases: []string{"config"},
		Short:   "Manage saved copy configs",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List saved config names",
			Args:  cobra.NoArgs,
			RunE: run(func(cmd *cobra.Command, args []string, e *env) error {
				names, err := e.repo.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			}),
		},
		newShowCmd(run),
		&cobra.Command{
			Use:   "delete NAME",
			Short: "Delete a saved config",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string, e *env) error {
				if err := e.repo.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			}),
		},
		&cobra.Command{
			Use:   "import FILE...",
			Short: "Import config files",
			Args:  cobra.MinimumNArgs(1),
			RunE: run(func(cmd *cobra.Command, args []string, e *env) error {
				res := e.repo.ImportMany(cmd.Context(), args)
				out := cmd.OutOrStdout()
				for _, name := range res.Succeeded {
					fmt.Fprintf(out, "imported %s\n", name)
				}
				for _, f := range res.Failed {
					fmt.Fprintf(out, "failed   %s: %s\n", f.Item, f.Error)
				}
				if len(res.Failed) > 0 {
					return fmt.Errorf("%d of %d files failed to import", len(res.Failed), len(args))
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "export NAME FILE",
			Short: "Export a saved config to a file",
			Args:  cobra.ExactArgs(2),
			RunE: run(func(cmd *cobra.Command, args []string, e *env) error {
				if err := e.repo.ExportTo(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported %s -> %s\n", args[0], args[1])
				return nil
			}),
		},
	)
	return cmd
}

func newShowCmd(run runner) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Show a config summary",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, args []string, e *env) error {
			cfg, err := e.repo.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(redact(cfg))
			}

			sum := types.Summarize(cfg)
			fmt.Fprintf(out, "name:     %s\n", cfg.Name)
			fmt.Fprintf(out, "source:   %s%s\n", sum.SourceDB, sshMark(sum.HasSourceSSH))
			fmt.Fprintf(out, "target:   %s%s\n", sum.TargetDB, sshMark(sum.HasTargetSSH))
			fmt.Fprintf(out, "tables:   %d (%d columns)\n", sum.TableCount, sum.TotalColumns)
			if masked := masking.MaskedColumns(cfg); len(masked) > 0 {
				fmt.Fprintf(out, "masked:   %s\n", strings.Join(masked, ", "))
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full config (secrets blanked)")
	return cmd
}

func sshMark(on bool) string {
	if on {
		return " via ssh"
	}
	return ""
}

// redact 输出前清空密码类字段
func redact(cfg types.Config) types.Config {
	out := cfg.Clone()
	for _, db := range []*types.DatabaseConfig{&out.SourceDB, &out.TargetDB} {
		db.Password = ""
		if db.SSHConfig != nil {
			db.SSHConfig.Password = ""
			db.SSHConfig.Passphrase = ""
		}
	}
	return out
}
