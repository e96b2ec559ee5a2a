package main

import (
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mnemo-db/mnemo/archive"
	"github.com/mnemo-db/mnemo/snapshot"
)

func newRestoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the newest archived snapshot into a data directory",
		Long:  "Download the snapshot named by the archive LATEST pointer and\ninstall it into the store data directory, ready for serve to open.",
		RunE:  runRestore,
	}

	cmd.Flags().String("dest", "", "destination data directory (defaults to store.path)")

	return cmd
}

func runRestore(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	if cfg.Archive.Backend == "" {
		return errors.New("no archive backend configured")
	}

	dest, _ := cmd.Flags().GetString("dest")
	if dest == "" {
		dest = cfg.Store.Path
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newArchiveStore(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("configuring archive: %w", err)
	}

	target := filepath.Join(dest, snapshot.FileName)
	seq, err := archive.Restore(ctx, store, target)
	if err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "restored snapshot seq %d to %s\n", seq, target)
	return err
}
