package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/syncdeck/pkg/collection"
	"github.com/marmos91/syncdeck/pkg/config"
	"github.com/marmos91/syncdeck/pkg/identity"
	"github.com/marmos91/syncdeck/pkg/session"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage sync accounts (add, del, list, passwd)",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a new account (prompts for password)",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserAdd,
}

var userDelCmd = &cobra.Command{
	Use:     "del <username>",
	Aliases: []string{"delete", "remove"},
	Short:   "Delete an account and its synced data",
	Args:    cobra.ExactArgs(1),
	RunE:    runUserDel,
}

var userListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List all accounts",
	RunE:    runUserList,
}

var userPasswdCmd = &cobra.Command{
	Use:     "passwd <username>",
	Aliases: []string{"password"},
	Short:   "Change an account password",
	Args:    cobra.ExactArgs(1),
	RunE:    runUserPasswd,
}

var userDelKeepData bool

func init() {
	userDelCmd.Flags().BoolVar(&userDelKeepData, "keep-data", false, "keep the user's collection and media on disk")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userDelCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userPasswdCmd)
}

// openIdentity loads the config and opens the credential database.
func openIdentity() (*config.Config, *identity.Store, error) {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return nil, nil, err
	}
	users, err := identity.Open(cfg.AuthDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open credential database: %w", err)
	}
	return cfg, users, nil
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	username := args[0]

	_, users, err := openIdentity()
	if err != nil {
		return err
	}
	defer users.Close()

	password, err := promptPassword(true)
	if err != nil {
		return err
	}

	if err := users.AddUser(context.Background(), username, password); err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}
	fmt.Printf("User %q added\n", username)
	return nil
}

func runUserDel(cmd *cobra.Command, args []string) error {
	username := args[0]

	if !confirmAction(fmt.Sprintf("Delete user %q and revoke their sessions?", username)) {
		fmt.Println("Aborted")
		return nil
	}

	cfg, users, err := openIdentity()
	if err != nil {
		return err
	}
	defer users.Close()

	ctx := context.Background()
	if err := users.DelUser(ctx, username); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	// Revoke outstanding sessions so stored keys stop working immediately.
	cols := collection.NewStore(cfg.Storage.Root)
	defer cols.Close()
	reg, err := session.Open(cfg.SessionDBPath(), users, cols)
	if err != nil {
		return fmt.Errorf("failed to open session database: %w", err)
	}
	defer reg.Close()
	if err := reg.PurgeUser(ctx, username); err != nil {
		return err
	}

	if !userDelKeepData {
		if err := cols.Purge(ctx, username); err != nil {
			return fmt.Errorf("failed to remove user data: %w", err)
		}
	}

	fmt.Printf("User %q deleted\n", username)
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	_, users, err := openIdentity()
	if err != nil {
		return err
	}
	defer users.Close()

	list, err := users.ListUsers(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No users")
		return nil
	}
	for _, u := range list {
		state := ""
		if !u.Enabled {
			state = " (disabled)"
		}
		fmt.Printf("%s%s\n", u.Username, state)
	}
	return nil
}

func runUserPasswd(cmd *cobra.Command, args []string) error {
	username := args[0]

	_, users, err := openIdentity()
	if err != nil {
		return err
	}
	defer users.Close()

	password, err := promptPassword(true)
	if err != nil {
		return err
	}

	if err := users.SetPassword(context.Background(), username, password); err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	fmt.Printf("Password updated for %q\n", username)
	return nil
}
