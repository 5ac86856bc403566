package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/studentenathome/sahguard/internal/auth"
	"github.com/studentenathome/sahguard/internal/store"
)

var (
	userDisplayName   string
	userPassword      string
	userPasswordStdin bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage accounts in the user database",
}

var userAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Create an account",
	Long: `Create an account in the user database. Administrator rights are
not stored with the account; they come from auth.admin_emails.

Example:
  sahguard user add student@example.com --name "Student"
  echo "$PW" | sahguard user add admin@example.com --password-stdin`,
	Args: cobra.ExactArgs(1),
	RunE: runUserAdd,
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd)

	userAddCmd.Flags().StringVar(&userDisplayName, "name", "", "Display name")
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Password (prefer --password-stdin)")
	userAddCmd.Flags().BoolVar(&userPasswordStdin, "password-stdin", false, "Read the password from stdin")
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	email := args[0]

	password := userPassword
	if userPasswordStdin || password == "" {
		if !userPasswordStdin {
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		}
		var err error
		if password, err = readPassword(cmd.InOrStdin()); err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	dbPath, err := databasePath(cfg)
	if err != nil {
		return err
	}
	users, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer users.Close()

	u, err := users.CreateUser(cmd.Context(), email, hash, userDisplayName)
	if errors.Is(err, store.ErrDuplicateEmail) {
		return fmt.Errorf("an account for %s already exists", email)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created user %d (%s)\n", u.ID, u.Email)
	if auth.NewAdminList(cfg.Auth.AdminEmails).Contains(u.Email) {
		fmt.Fprintln(cmd.OutOrStdout(), "   Listed in auth.admin_emails: sessions will have admin rights")
	}
	return nil
}
