package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier/internal/bounce"
)

var suppressionCmd = &cobra.Command{
	Use:   "suppression",
	Short: "Inspect and manage the bounce suppression list",
	Long:  `Inspect and manage per-recipient bounce records and suppression state`,
}

func init() {
	rootCmd.AddCommand(suppressionCmd)

	var showCmd = &cobra.Command{
		Use:   "show [email]",
		Short: "Show the bounce record for an address",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			pg, err := connectStore()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer func() { _ = pg.Close() }()

			rec, err := pg.GetBounce(context.Background(), args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			out, _ := json.MarshalIndent(rec, "", "  ")
			fmt.Println(string(out))
		},
	}

	var removeCmd = &cobra.Command{
		Use:   "remove [email]",
		Short: "Lift suppression for an address, keeping its bounce history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			pg, err := connectStore()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer func() { _ = pg.Close() }()

			if err := bounce.NewProcessor(pg).RemoveFromSuppression(context.Background(), args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Suppression removed")
		},
	}

	suppressionCmd.AddCommand(showCmd)
	suppressionCmd.AddCommand(removeCmd)
}
