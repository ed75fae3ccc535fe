package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jun/gophnote/internal/model"
	"github.com/jun/gophnote/internal/settings"
)

func init() {
	accountCmd := &cobra.Command{
		Use:   "account",
		Short: "Manage cloud accounts",
	}

	var provider, folder, name string
	addCmd := &cobra.Command{
		Use:   "add <id> --provider onedrive|baidu|gdrive|memory",
		Short: "Register an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			account, err := settings.NewAccount(args[0], model.ProviderKind(provider))
			if err != nil {
				return err
			}
			account.SyncFolder = folder
			account.DisplayName = name
			if err := a.Settings.SaveAccount(account); err != nil {
				return err
			}
			fmt.Printf("account %s added, run: gophnote account login -a %s\n", account.ID, account.ID)
			return nil
		},
	}
	addCmd.Flags().StringVarP(&provider, "provider", "p", string(model.ProviderOneDrive), "storage provider")
	addCmd.Flags().StringVar(&folder, "folder", "", "remote sync folder")
	addCmd.Flags().StringVar(&name, "name", "", "display name")

	var force bool
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the selected account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			id, err := accountID(a)
			if err != nil {
				return err
			}
			account, err := a.Settings.Account(id)
			if err != nil {
				return err
			}
			user, err := a.Login(cmd.Context(), account, force)
			if err != nil {
				return err
			}
			fmt.Printf("signed in as %s <%s>\n", user.Name, user.Email)
			return nil
		},
	}
	loginCmd.Flags().BoolVar(&force, "force", false, "ask the provider to show the consent screen again")

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the token of the selected account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			id, err := accountID(a)
			if err != nil {
				return err
			}
			account, err := a.Settings.Account(id)
			if err != nil {
				return err
			}
			return a.Logout(cmd.Context(), account)
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Sign out and delete an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			account, err := a.Settings.Account(args[0])
			if err != nil {
				return err
			}
			if err := a.Logout(cmd.Context(), account); err != nil {
				return err
			}
			return a.Settings.RemoveAccount(account.ID)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			accounts, err := a.Settings.Accounts()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tFOLDER\tCONNECTED\tUSER")
			for _, acc := range accounts {
				user := "-"
				if acc.UserInfo != nil {
					user = acc.UserInfo.Name
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\n", acc.ID, acc.Provider, acc.SyncFolder, acc.Connected, user)
			}
			return w.Flush()
		},
	}

	quotaCmd := &cobra.Command{
		Use:   "quota",
		Short: "Show the storage quota of the selected account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			id, err := accountID(a)
			if err != nil {
				return err
			}
			account, err := a.Settings.Account(id)
			if err != nil {
				return err
			}
			client, err := a.Client(cmd.Context(), account)
			if err != nil {
				return err
			}
			q, err := client.GetQuota(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("used %d of %d bytes (%d remaining)\n", q.Used, q.Total, q.Remaining)
			return nil
		},
	}

	accountCmd.AddCommand(addCmd, loginCmd, logoutCmd, removeCmd, listCmd, quotaCmd)
	rootCmd.AddCommand(accountCmd)
}
