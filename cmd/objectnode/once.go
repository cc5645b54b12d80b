package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devrev/pairdb/objectnode/internal/model"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type onceFunc func(ctx context.Context, n *node) error

// newOnceCmd builds "<name> once", which runs a single pass and exits.
func newOnceCmd(name, short string, run onceFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single " + name + " pass and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), run)
		},
	})
	return cmd
}

func runOnce(parent context.Context, run onceFunc) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(cfg, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	return run(ctx, n)
}

func runAuditorOnce(ctx context.Context, n *node) error {
	results, err := n.auditor().RunOnce(ctx, model.Now())
	for _, r := range results {
		fmt.Printf("auditor %s: scanned=%d expired=%d errors=%d reclaimed=%d listing_failures=%d\n",
			r.Device, r.Scanned, r.Expired, r.Errors, r.Reclaimed, r.ListingFailures)
	}
	return err
}

func runReplicatorOnce(ctx context.Context, n *node) error {
	report, err := n.replicator(nil).RunOnce(ctx)
	printReplication("replicator", report.Partitions, report.SuffixesSynced, report.RecordsPulled, report.RecordsPushed, report.PeerFailures)
	return err
}

func runContainerReplicatorOnce(ctx context.Context, n *node) error {
	report, err := n.containerReplicator(nil).RunOnce(ctx)
	printReplication("container-replicator", report.Partitions, report.SuffixesSynced, report.RecordsPulled, report.RecordsPushed, report.PeerFailures)
	return err
}

func printReplication(name string, partitions, synced, pulled, pushed, failures int) {
	fmt.Printf("%s: partitions=%d suffixes_synced=%d pulled=%d pushed=%d peer_failures=%d\n",
		name, partitions, synced, pulled, pushed, failures)
}

func runUpdaterOnce(ctx context.Context, n *node) error {
	if n.cfg.Account.Backend == "memory" {
		return fmt.Errorf("updater once needs a persistent account tier: the memory backend is discarded on exit; set account.backend to redis")
	}
	n.pingAccounts(ctx)
	report, err := n.updater().RunOnce(ctx)
	fmt.Printf("updater: containers=%d pushed=%d duplicates=%d rebased=%d failed=%d not_owned=%d\n",
		report.Containers, report.Pushed, report.Duplicates, report.Rebased, report.Failed, report.NotOwned)
	if err == nil && report.Failed > 0 {
		n.logger.Warn("Some containers could not be reported", zap.Int("failed", report.Failed))
	}
	return err
}
