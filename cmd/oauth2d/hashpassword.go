package main

import (
	"bufio"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/voicehub/smarthome-oauth/server"
)

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash",
		Long: "Read a password from stdin and print a bcrypt hash for the\n" +
			"users[].password_hash config field.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "Enter password: ")
			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("reading password: %w", err)
				}
				return fmt.Errorf("no input")
			}

			hash, err := server.HashPassword(scanner.Text())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr())
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
