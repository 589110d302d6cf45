package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var submitCmd = &cobra.Command{
	Use:   "submit <owner> [file]",
	Short: "File a resolved scan result (read from file or stdin)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args[1:])
		if err != nil {
			return err
		}

		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := st.Engine.Submit(cmd.Context(), args[0], raw)
		if err != nil {
			return err
		}
		if res.Created {
			fmt.Printf("created %s\n", res.ID)
		} else {
			fmt.Printf("already on file as %s\n", res.ID)
		}
		return nil
	},
}

// readInput returns the contents of the named file, or stdin when no file
// (or "-") is given.
func readInput(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(args[0])
}

func init() {
	rootCmd.AddCommand(submitCmd)
}
