package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sw33tLie/casefile/pkg/storage"
)

var editCmd = &cobra.Command{
	Use:   "edit <owner> <id>",
	Short: "Edit an entry in place (admin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, id := args[0], args[1]
		flags := cmd.Flags()

		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		var patch storage.Patch
		if flags.Changed("name") {
			name, _ := flags.GetString("name")
			patch.Name = &name
		}
		if flags.Changed("accuracy") {
			acc, _ := flags.GetFloat64("accuracy")
			if acc < 0 || acc > 100 {
				return fmt.Errorf("accuracy must be between 0 and 100")
			}
			patch.Accuracy = &acc
		}
		if flags.Changed("address") || flags.Changed("lat") || flags.Changed("lng") {
			current, err := st.Engine.Get(cmd.Context(), owner, id)
			if err != nil {
				return err
			}
			loc := current.Location
			if flags.Changed("address") {
				loc.Address, _ = flags.GetString("address")
			}
			if flags.Changed("lat") {
				loc.Latitude, _ = flags.GetFloat64("lat")
			}
			if flags.Changed("lng") {
				loc.Longitude, _ = flags.GetFloat64("lng")
			}
			patch.Location = &loc
		}
		if patch.IsEmpty() {
			return fmt.Errorf("nothing to change; pass at least one of --name, --accuracy, --address, --lat, --lng")
		}

		if err := st.Engine.Update(cmd.Context(), owner, id, patch); err != nil {
			return err
		}
		fmt.Printf("updated %s\n", id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(editCmd)
	editCmd.Flags().String("name", "", "New subject name")
	editCmd.Flags().Float64("accuracy", 0, "New accuracy (0-100)")
	editCmd.Flags().String("address", "", "New address")
	editCmd.Flags().Float64("lat", 0, "New latitude")
	editCmd.Flags().Float64("lng", 0, "New longitude")
}
