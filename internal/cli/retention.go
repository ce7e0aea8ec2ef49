package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pgbckctl/pgbckctl/internal/catalog"
	"github.com/pgbckctl/pgbckctl/internal/registry"
	"github.com/pgbckctl/pgbckctl/internal/retention"
)

func newRetentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Define and apply retention policies",
	}
	cmd.AddCommand(newRetentionCreateCmd())
	cmd.AddCommand(newRetentionListCmd())
	cmd.AddCommand(newRetentionShowCmd())
	cmd.AddCommand(newRetentionApplyCmd())
	return cmd
}

// parseRuleFlag turns a "type=value" flag argument into a
// catalog.RetentionRule, per rule kinds.
func parseRuleFlag(s string) (catalog.RetentionRule, error) {
	typ, value, ok := strings.Cut(s, "=")
	if !ok {
		return catalog.RetentionRule{}, fmt.Errorf("malformed --rule %q, want type=value", s)
	}
	return catalog.RetentionRule{Type: catalog.RetentionRuleType(typ), Value: value}, nil
}

func newRetentionCreateCmd() *cobra.Command {
	var rules []string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a named, ordered retention policy",
		Long: "Create a named, ordered retention policy from one or more --rule flags, " +
			"each of the form type=value, e.g. --rule keep-newest-n=5 --rule pin=^daily-.*",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := catalog.RetentionPolicy{Name: args[0]}
			for _, r := range rules {
				rule, err := parseRuleFlag(r)
				if err != nil {
					return err
				}
				policy.Rules = append(policy.Rules, rule)
			}
			ctx := context.Background()
			db, err := openCatalog(catalog.ReadWrite)
			if err != nil {
				return err
			}
			defer db.Close()

			id, err := db.CreateRetentionPolicy(ctx, policy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retention policy %q created (id=%d, %d rule(s))\n", policy.Name, id, len(policy.Rules))
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&rules, "rule", nil, "one rule as type=value, repeatable, applied in order given")
	return cmd
}

func newRetentionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "LIST RETENTION POLICIES",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := openCatalog(catalog.ReadOnly)
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := db.ListRetentionPolicies(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, p := range list {
				fmt.Fprintf(w, "%-20s created=%s\n", p.Name, p.Created.Format("2006-01-02T15:04:05Z"))
			}
			return nil
		},
	}
}

func newRetentionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "LIST RETENTION POLICY <name>: show one policy's ordered rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := openCatalog(catalog.ReadOnly)
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := db.GetRetentionPolicy(ctx, args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s (created=%s)\n", p.Name, p.Created.Format("2006-01-02T15:04:05Z"))
			for i, r := range p.Rules {
				fmt.Fprintf(w, "  %d. %s=%s\n", i+1, r.Type, r.Value)
			}
			return nil
		},
	}
}

func newRetentionApplyCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "apply <archive> <policy>",
		Short: "Evaluate and apply a retention policy against an archive's backups",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			db, err := openCatalog(catalog.ReadWrite)
			if err != nil {
				return err
			}
			defer db.Close()

			row, arc, err := resolveArchive(ctx, db, args[0])
			if err != nil {
				return err
			}
			policy, err := db.GetRetentionPolicy(ctx, args[1])
			if err != nil {
				return err
			}

			var reg *registry.Registry
			if r, err := registry.Open(arc.Root() + "/.pgbckctl_registry"); err == nil {
				reg = r
				defer reg.Close()
			}

			eng := retention.New(db, arc, retention.NewAggregator(reg))
			report, err := eng.Apply(ctx, row.ID, policy, cleanupMode(mode))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d backup(s), %d WAL segment(s), %d filesystem error(s)\n",
				report.BackupsDeleted, report.WALSegmentsDeleted, len(report.FSErrors))
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "range", "WAL cleanup mode: range|offset-from-oldest|delete-all")
	return cmd
}

func cleanupMode(s string) retention.CleanupMode {
	switch s {
	case "offset-from-oldest":
		return retention.CleanupOffsetFromOldest
	case "delete-all":
		return retention.CleanupDeleteAll
	default:
		return retention.CleanupRange
	}
}
