package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jun/gophnote/internal/app"
	"github.com/jun/gophnote/internal/model"
	notesync "github.com/jun/gophnote/internal/sync"
)

type rootFlags struct {
	config  string
	account string
	metered bool
	verbose bool
}

var flags rootFlags

var rootCmd = &cobra.Command{
	Use:           "gophnote",
	Short:         "Sync local notes with OneDrive, Baidu Netdisk and Google Drive",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	defaultConfig := "gophnote.yaml"
	if dir, err := os.UserConfigDir(); err == nil {
		defaultConfig = filepath.Join(dir, "gophnote", "config.yaml")
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", defaultConfig, "configuration file")
	pf.StringVarP(&flags.account, "account", "a", "", "account id (defaults to the only configured account)")
	pf.BoolVar(&flags.metered, "metered", false, "treat the current network as metered")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads the configuration and builds the application.
func bootstrap(ctx context.Context) (*app.App, error) {
	cfg, err := app.LoadConfig(flags.config)
	if err != nil {
		return nil, err
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		return nil, err
	}
	return a, nil
}

// accountID resolves --account, falling back to the single configured account.
func accountID(a *app.App) (string, error) {
	if flags.account != "" {
		return flags.account, nil
	}
	accounts, err := a.Settings.Accounts()
	if err != nil {
		return "", err
	}
	switch len(accounts) {
	case 0:
		return "", fmt.Errorf("no account configured, run: gophnote account add")
	case 1:
		return accounts[0].ID, nil
	}
	return "", fmt.Errorf("%d accounts configured, pick one with --account", len(accounts))
}

// orchestrator builds the sync engine of the selected account with progress
// and conflicts reported on stderr.
func orchestrator(ctx context.Context, a *app.App) (*notesync.Orchestrator, error) {
	id, err := accountID(a)
	if err != nil {
		return nil, err
	}
	o, _, err := a.Orchestrator(ctx, id, app.Hooks{
		Network: app.StaticNetwork(flags.metered),
		OnProgress: func(p notesync.Progress) {
			fmt.Fprintf(os.Stderr, "[%d/%d] %s %s\n", p.Current, p.Total, p.Operation, p.NoteName)
		},
		OnConflict: func(c model.ConflictInfo) {
			fmt.Fprintf(os.Stderr, "conflict: %s (%s) +%d -%d\n", c.NoteName, c.NoteID, c.Diff.Inserted, c.Diff.Deleted)
		},
	})
	return o, err
}
