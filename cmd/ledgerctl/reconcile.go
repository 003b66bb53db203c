package main

import (
	"encoding/json"
	"fmt"

	"github.com/cardrewards/ledger/internal/audit"
	"github.com/cardrewards/ledger/internal/config"
	"github.com/cardrewards/ledger/internal/database"
	"github.com/cardrewards/ledger/internal/repository"
	"github.com/cardrewards/ledger/internal/services"
	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	var accountID int64

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare an account's stored balances against its entry history",
		Long: `Recompute the balance and point balance of an account from its ledger
entries and compare them with the stored values. Exits non-zero when they differ.

Examples:
  ledgerctl reconcile --account 42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadLedgerConfig()
			if err != nil {
				return err
			}

			db, err := database.InitDB()
			if err != nil {
				return err
			}
			defer db.Close()

			store := repository.NewPostgresStore(db, cfg.LockTimeout)
			// Reconcile never consults the velocity limiter.
			limiter, err := services.NewVelocityLimiter(nil, cfg.Risk, cfg.Breaker)
			if err != nil {
				return err
			}
			svc := services.NewLedgerService(store, limiter, cfg, audit.NewLogger(cmd.ErrOrStderr()))

			report, err := svc.Reconcile(cmd.Context(), accountID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Balanced {
				return fmt.Errorf("account %d is unbalanced", accountID)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&accountID, "account", 0, "account id to reconcile")
	cmd.MarkFlagRequired("account")

	return cmd
}
