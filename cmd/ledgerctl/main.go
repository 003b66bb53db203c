package main

import (
	"fmt"
	"os"

	"github.com/cardrewards/ledger/internal/config"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	config.LoadEnv()

	rootCmd := &cobra.Command{
		Use:          "ledgerctl",
		Short:        "Operator tooling for the card rewards ledger",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
