package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <owner> <id>",
	Short: "Remove an entry from a case file (admin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Engine.Delete(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[1])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
