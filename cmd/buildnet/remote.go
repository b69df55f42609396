package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildnet-io/buildnet/pkg/client"
	"github.com/buildnet-io/buildnet/pkg/ledger"
	"github.com/buildnet-io/buildnet/pkg/types"
)

func newClient() *client.Client {
	actor := types.Actor{ID: "cli", Name: "cli", Kind: types.ActorKindUser}
	if u, err := user.Current(); err == nil && u.Username != "" {
		actor.ID = u.Username
		actor.Name = u.Username
	}
	return client.New(serverAddr).WithActor(actor)
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Minute)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and cluster summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		state, err := newClient().Dashboard(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Daemon:    %s (cluster %s)\n", state.DaemonID, state.ClusterName)
		fmt.Printf("Resources: %d\n", len(state.Resources))
		fmt.Printf("Sessions:  %d\n", len(state.Sessions))
		fmt.Printf("Builds:    %d recent\n", len(state.RecentBuilds))
		if state.LedgerStats != nil {
			fmt.Printf("Ledger:    %d entries (sequence %d..%d)\n",
				state.LedgerStats.Entries,
				state.LedgerStats.FirstSequence,
				state.LedgerStats.LastSequence)
		}
		return nil
	},
}

var buildCmd = &cobra.Command{
	Use:   "build <targets...>",
	Short: "Run a build on the given targets",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		incremental, _ := cmd.Flags().GetBool("incremental")
		clean, _ := cmd.Flags().GetBool("clean")
		watch, _ := cmd.Flags().GetBool("watch")
		bundler, _ := cmd.Flags().GetString("bundler")

		ctx, cancel := cmdContext()
		defer cancel()
		result, err := newClient().RequestBuild(ctx, args, types.BuildOptions{
			Incremental: incremental,
			Clean:       clean,
			Watch:       watch,
			Bundler:     bundler,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Build %s: %s (%d bundles, %d failed, %dms)\n",
			result.BuildID, result.Status,
			result.BundlesCompleted+result.BundlesFailed,
			result.BundlesFailed, result.DurationMS)
		for _, artifact := range result.Artifacts {
			fmt.Printf("  %s\n", artifact)
		}
		for _, warning := range result.Warnings {
			fmt.Printf("  warning: %s\n", warning)
		}
		for _, buildErr := range result.Errors {
			fmt.Printf("  error [%s]: %s\n", buildErr.Code, buildErr.Message)
		}
		if result.Status != types.BuildStatusSuccess {
			return fmt.Errorf("build %s", result.Status)
		}
		return nil
	},
}

var resourceCmd = &cobra.Command{
	Use:   "resource",
	Short: "Manage build resources",
}

var resourceAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resType, _ := cmd.Flags().GetString("type")
		address, _ := cmd.Flags().GetString("address")
		cpu, _ := cmd.Flags().GetInt("cpu")
		memory, _ := cmd.Flags().GetInt("memory")
		capabilityList, _ := cmd.Flags().GetStringSlice("capability")

		capabilities := make(map[string]string)
		for _, kv := range capabilityList {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("capability %q is not key=value", kv)
			}
			capabilities[parts[0]] = parts[1]
		}

		ctx, cancel := cmdContext()
		defer cancel()
		res, err := newClient().AddResource(ctx, types.ResourceSpec{
			Name:         args[0],
			Type:         types.ResourceType(resType),
			Address:      address,
			CPUCores:     cpu,
			MemoryGB:     memory,
			Capabilities: capabilities,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Resource %s registered (%s)\n", res.ID, res.Status)
		return nil
	},
}

var resourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		resources, err := newClient().ListResources(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tADDRESS\tCPU\tMEM")
		for _, r := range resources {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
				r.ID, r.Name, r.Type, r.Status, r.Address, r.CPUCores, r.MemoryGB)
		}
		return w.Flush()
	},
}

var resourceDrainCmd = &cobra.Command{
	Use:   "drain <id>",
	Short: "Drain a resource out of scheduling",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		res, err := newClient().DrainResource(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Resource %s is %s\n", res.ID, res.Status)
		return nil
	},
}

var resourceResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Return a draining resource to service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		res, err := newClient().ResumeResource(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Resource %s is %s\n", res.ID, res.Status)
		return nil
	},
}

var resourceRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		ctx, cancel := cmdContext()
		defer cancel()
		if err := newClient().RemoveResource(ctx, args[0], force); err != nil {
			return err
		}
		fmt.Printf("Resource %s removed\n", args[0])
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage live sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		sessions, err := newClient().ListSessions(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACTOR\tKIND\tCONNECTED\tLAST ACTIVITY")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.SessionID, s.Actor.ID, s.ActorType,
				s.ConnectedAt.Format(time.RFC3339),
				s.LastActivity.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <id>",
	Short: "End a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		if err := newClient().EndSession(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Session %s ended\n", args[0])
		return nil
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Query and verify the audit ledger",
}

var ledgerQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query ledger entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, _ := cmd.Flags().GetString("entity-type")
		entityID, _ := cmd.Flags().GetString("entity-id")
		actorID, _ := cmd.Flags().GetString("actor")
		from, _ := cmd.Flags().GetUint64("from")
		to, _ := cmd.Flags().GetUint64("to")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := cmdContext()
		defer cancel()
		entries, err := newClient().LedgerEntries(ctx, ledger.Filter{
			FromSequence: from,
			ToSequence:   to,
			EntityType:   entityType,
			EntityID:     entityID,
			ActorID:      actorID,
			Limit:        limit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tACCOUNT\tENTITY\tACTOR\tREASON")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s/%s\t%s\t%s\n",
				e.SequenceNumber, e.EntryType, e.AccountType,
				e.EntityType, e.EntityID, e.Actor.ID, e.Reason)
		}
		return w.Flush()
	},
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify ledger hash-chain integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetUint64("from")
		ctx, cancel := cmdContext()
		defer cancel()
		report, err := newClient().VerifyLedger(ctx, from)
		if err != nil {
			return err
		}

		fmt.Printf("Checked %d entries\n", report.EntriesChecked)
		if report.Verified {
			fmt.Println("Ledger verified: chain intact")
			return nil
		}
		for _, verifyErr := range report.Errors {
			fmt.Printf("  seq %d [%s]: %s\n", verifyErr.Sequence, verifyErr.Code, verifyErr.Message)
		}
		return fmt.Errorf("ledger verification failed with %d errors", len(report.Errors))
	},
}

var ledgerStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show ledger statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := cmdContext()
		defer cancel()
		stats, err := newClient().LedgerStats(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Entries:  %d\n", stats.Entries)
		fmt.Printf("Sequence: %d..%d\n", stats.FirstSequence, stats.LastSequence)
		for account, count := range stats.Accounts {
			fmt.Printf("  %-20s %d\n", account, count)
		}
		return nil
	},
}

func init() {
	buildCmd.Flags().Bool("incremental", false, "build only what changed")
	buildCmd.Flags().Bool("clean", false, "discard cached outputs first")
	buildCmd.Flags().Bool("watch", false, "keep building on changes")
	buildCmd.Flags().String("bundler", "", "pin a bundler capability")

	resourceAddCmd.Flags().String("type", string(types.ResourceTypeWorker), "resource type: worker, storage, cache")
	resourceAddCmd.Flags().String("address", "", "network address")
	resourceAddCmd.Flags().Int("cpu", 1, "CPU cores")
	resourceAddCmd.Flags().Int("memory", 1, "memory in GB")
	resourceAddCmd.Flags().StringSlice("capability", nil, "capability key=value (repeatable)")
	resourceRemoveCmd.Flags().Bool("force", false, "remove even with active claims")
	resourceCmd.AddCommand(resourceAddCmd, resourceListCmd, resourceDrainCmd,
		resourceResumeCmd, resourceRemoveCmd)

	sessionCmd.AddCommand(sessionListCmd, sessionEndCmd)

	ledgerQueryCmd.Flags().String("entity-type", "", "filter by entity type")
	ledgerQueryCmd.Flags().String("entity-id", "", "filter by entity id")
	ledgerQueryCmd.Flags().String("actor", "", "filter by actor id")
	ledgerQueryCmd.Flags().Uint64("from", 0, "start sequence")
	ledgerQueryCmd.Flags().Uint64("to", 0, "end sequence")
	ledgerQueryCmd.Flags().Int("limit", 50, "maximum entries")
	ledgerVerifyCmd.Flags().Uint64("from", 0, "start sequence")
	ledgerCmd.AddCommand(ledgerQueryCmd, ledgerVerifyCmd, ledgerStatsCmd)
}
