package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	notesync "github.com/jun/gophnote/internal/sync"
)

func init() {
	pagesCmd := &cobra.Command{
		Use:   "pages",
		Short: "Commit and pull single pages",
	}

	commitCmd := &cobra.Command{
		Use:   "commit <note-id> <page-id>",
		Short: "Upload one page",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			o, err := orchestrator(cmd.Context(), a)
			if err != nil {
				return err
			}
			res, err := o.CommitPage(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if res.Skipped {
				fmt.Println("unchanged since last commit")
				return nil
			}
			fmt.Println("committed", res.Remote.ID)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <note-id>",
		Short: "List the cloud pages of a note",
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
			pages, err := o.GetCloudPages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PAGE\tSTATUS\tUPDATED\tSIZE")
			for _, p := range pages {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.PageID, p.Status,
					time.UnixMilli(p.UpdatedAt).Format(time.DateTime), p.Size)
			}
			return w.Flush()
		},
	}

	var mode string
	pullCmd := &cobra.Command{
		Use:   "pull <note-id> <page-id>",
		Short: "Apply the cloud version of a page",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			o, err := orchestrator(cmd.Context(), a)
			if err != nil {
				return err
			}
			pages, err := o.GetCloudPages(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, p := range pages {
				if p.PageID != args[1] {
					continue
				}
				n, err := o.UseCloudVersion(cmd.Context(), args[0], p, notesync.MergeMode(mode))
				if err != nil {
					return err
				}
				fmt.Printf("%s now has %d pages\n", n.Title, len(n.Pages))
				return nil
			}
			return fmt.Errorf("page %s of note %s is not in the cloud", args[1], args[0])
		},
	}
	pullCmd.Flags().StringVar(&mode, "mode", string(notesync.MergeReplace), "replace or append")

	pagesCmd.AddCommand(commitCmd, statusCmd, pullCmd)
	rootCmd.AddCommand(pagesCmd)
}
