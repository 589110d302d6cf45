package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/sw33tLie/casefile/internal/utils"
)

var importCmd = &cobra.Command{
	Use:   "import <owner> [file]",
	Short: "Import a JSON export of scan results verbatim",
	Long: `Import reads a JSON export, either an array of scan results or an object
keyed by legacy entry id, and files each document under owner exactly as it
was exported. Documents whose subject is already on file are skipped.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner := args[0]
		raw, err := readInput(args[1:])
		if err != nil {
			return err
		}
		doc := gjson.ParseBytes(raw)
		if !gjson.ValidBytes(raw) || !(doc.IsArray() || doc.IsObject()) {
			return fmt.Errorf("import file must hold a JSON array or object")
		}

		path, err := dbPath()
		if err != nil {
			return err
		}
		lock, err := utils.NewDBLock(path)
		if err != nil {
			return err
		}
		if err := lock.Lock(cmd.Context()); err != nil {
			return err
		}
		defer lock.Unlock()

		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		var created, skipped, failed int
		doc.ForEach(func(key, value gjson.Result) bool {
			res, err := st.Engine.Import(cmd.Context(), owner, []byte(value.Raw))
			switch {
			case err != nil:
				failed++
				utils.Log.Warnf("Could not import %s: %v", key.String(), err)
			case res.Created:
				created++
				utils.Log.Debugf("Imported %s as %s", key.String(), res.ID)
			default:
				skipped++
				utils.Log.Debugf("Skipped %s, already on file as %s", key.String(), res.ID)
			}
			return cmd.Context().Err() == nil
		})

		fmt.Printf("imported %d, skipped %d duplicates, %d failed\n", created, skipped, failed)
		if failed > 0 {
			return fmt.Errorf("%d documents could not be imported", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
