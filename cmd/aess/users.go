package main

import (
	"fmt"

	"github.com/ashureev/aess/internal/credential"
	"github.com/spf13/cobra"
)

func newUsersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the user directory",
	}
	var scheme string
	hash := &cobra.Command{
		Use:   "hash <password>",
		Short: "Print a password hash for a users file entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if scheme == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				scheme = cfg.PasswordHash
			}
			hasher, err := credential.NewHasher(scheme)
			if err != nil {
				return err
			}
			h, err := hasher.Hash(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	hash.Flags().StringVar(&scheme, "scheme", "", "hash scheme (sha256|bcrypt); defaults to PASSWORD_HASH")
	cmd.AddCommand(hash)
	return cmd
}
