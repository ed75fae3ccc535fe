package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jun/gophnote/internal/conflict"
	notesync "github.com/jun/gophnote/internal/sync"
)

func printResult(r *notesync.Result) {
	fmt.Printf("uploaded %d, downloaded %d, conflicts %d, errors %d\n",
		len(r.Uploaded), len(r.Downloaded), len(r.Conflicts), len(r.Errors))
	for _, e := range r.Errors {
		fmt.Printf("  %v\n", e)
	}
	if r.Cancelled {
		fmt.Println("cancelled")
	}
}

func init() {
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile every note with the cloud",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			o, err := orchestrator(cmd.Context(), a)
			if err != nil {
				return err
			}
			go func() {
				<-cmd.Context().Done()
				o.Cancel()
			}()
			res, err := o.FullSync(cmd.Context())
			if err != nil {
				return err
			}
			printResult(res)
			return nil
		},
	}

	noteCmd := &cobra.Command{
		Use:   "note <id>",
		Short: "Reconcile a single note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			o, err := orchestrator(cmd.Context(), a)
			if err != nil {
				return err
			}
			res, err := o.SyncNote(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			switch {
			case res.Conflict != nil:
				fmt.Printf("conflict: resolve with gophnote conflict resolve %s keep_local|use_cloud|create_both\n", args[0])
			case res.Action == "":
				fmt.Println("already in sync")
			default:
				fmt.Println(res.Action)
			}
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show the sync status of a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			o, err := orchestrator(cmd.Context(), a)
			if err != nil {
				return err
			}
			fmt.Println(o.Status(cmd.Context(), args[0]))
			return nil
		},
	}

	var strategy string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Run the first sync of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			if strategy == "" {
				strategy = a.Config.Sync.Strategy
			}
			s, err := notesync.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			o, err := orchestrator(cmd.Context(), a)
			if err != nil {
				return err
			}
			res, err := o.InitialSync(cmd.Context(), s)
			if err != nil {
				return err
			}
			fmt.Printf("uploaded %d, downloaded %d, present on both sides %d\n",
				len(res.Uploaded), len(res.Downloaded), len(res.Merged))
			for _, e := range res.Errors {
				fmt.Printf("  %v\n", e)
			}
			if len(res.Errors) > 0 {
				return errors.New("initial sync incomplete, run it again")
			}
			return nil
		},
	}
	initCmd.Flags().StringVarP(&strategy, "strategy", "s", "", "upload_local, download_cloud or smart_merge")

	syncCmd.AddCommand(noteCmd, statusCmd, initCmd)
	rootCmd.AddCommand(syncCmd)

	var keepCopy bool
	conflictCmd := &cobra.Command{
		Use:   "conflict",
		Short: "Resolve same-timestamp conflicts",
	}
	resolveCmd := &cobra.Command{
		Use:   "resolve <id> keep_local|use_cloud|create_both",
		Short: "Resolve the conflict of a note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := conflict.ParseAction(args[1])
			if err != nil {
				return err
			}
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			o, err := orchestrator(cmd.Context(), a)
			if err != nil {
				return err
			}
			res, err := o.SyncNote(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if res.Conflict == nil {
				fmt.Println("no conflict on", args[0])
				return nil
			}
			out, err := o.ResolveConflict(cmd.Context(), *res.Conflict, conflict.Resolution{Action: action, SaveConflictCopy: keepCopy})
			if err != nil {
				return err
			}
			if out.CopyID != "" {
				fmt.Println("saved losing version as", out.CopyID)
			}
			for _, id := range out.Created {
				fmt.Println("created", id)
			}
			return nil
		},
	}
	resolveCmd.Flags().BoolVar(&keepCopy, "keep-copy", false, "save the losing version as a separate note")
	conflictCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(conflictCmd)
}
