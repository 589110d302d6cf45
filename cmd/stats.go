package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Prints how many entries each case file holds.",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		files, err := st.Engine.CaseFiles(cmd.Context())
		if err != nil {
			return err
		}
		if len(files) == 0 {
			fmt.Println("No case files in the database.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "OWNER\tENTRIES\tLAST SCAN\t")

		total := 0
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%d\t%s\t\n", f.Owner, f.Entries, formatMillis(f.LastScannedAt))
			total += f.Entries
		}

		fmt.Fprintln(w, " \t \t \t")
		fmt.Fprintf(w, "TOTAL\t%d\t \t\n", total)

		w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
