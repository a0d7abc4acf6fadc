package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"housekeeperd/internal/sieve"
)

func newSieveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sieve",
		Short: "Inspect and manage Sieve scripts in the state database",
	}
	cmd.PersistentFlags().String("account", "", "account id")
	cmd.AddCommand(newSieveListCmd(), newSieveActivateCmd())
	return cmd
}

func sieveManagerFromCmd(cmd *cobra.Command) (*sieve.Manager, func(), error) {
	store, err := openStore(cmd)
	if err != nil {
		return nil, nil, err
	}
	mgr := sieve.New(sieve.Config{
		Store:    store,
		Blobs:    store,
		Compiler: newSieveCompiler(),
	})
	return mgr, func() { store.Close() }, nil
}

func newSieveListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List Sieve scripts for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			account, _ := cmd.Flags().GetString("account")
			if account == "" {
				return fmt.Errorf("--account is required")
			}
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(context.Background(), account)
			if err != nil {
				return err
			}
			for _, r := range records {
				active := ""
				if r.IsActive {
					active = " (active)"
				}
				fmt.Printf("%d\t%s%s\n", uint32(r.DocumentID), r.Name, active)
			}
			return nil
		},
	}
}

func newSieveActivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <document-id>",
		Short: "Make the given script the sole active script for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, _ := cmd.Flags().GetString("account")
			if account == "" {
				return fmt.Errorf("--account is required")
			}
			n, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid document id %q: %w", args[0], err)
			}
			id := sieve.DocumentID(n)

			mgr, closeFn, err := sieveManagerFromCmd(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			changes, err := mgr.ActivateScript(context.Background(), account, &id)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				fmt.Println("no changes (already active, or id not found)")
				return nil
			}
			for _, c := range changes {
				fmt.Printf("%d: is_active=%v\n", uint32(c.DocumentID), c.IsActive)
			}
			return nil
		},
	}
}
