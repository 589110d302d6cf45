package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sw33tLie/casefile/internal/utils"
	"github.com/sw33tLie/casefile/pkg/backend"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <owner> <scan-id>...",
	Short: "Pull resolved scan results from the backend and file them",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		proxy, _ := cmd.Flags().GetString("proxy")
		parallel, _ := cmd.Flags().GetInt("parallel")
		client, err := backend.New(backend.Config{
			BaseURL: viper.GetString("backend.base_url"),
			Token:   viper.GetString("backend.token"),
			Retries: viper.GetInt("backend.retries"),
			Proxy:   proxy,
			Log:     utils.Log,
		})
		if err != nil {
			return err
		}

		scanIDs := args[1:]
		results, err := client.FetchResults(cmd.Context(), scanIDs, parallel)
		if err != nil {
			return err
		}

		st, err := openStack(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		// Filed one at a time, in argument order.
		for i, raw := range results {
			res, err := st.Engine.Submit(cmd.Context(), args[0], raw)
			if err != nil {
				return fmt.Errorf("%s: %w", scanIDs[i], err)
			}
			if res.Created {
				fmt.Printf("%s: created %s\n", scanIDs[i], res.ID)
			} else {
				fmt.Printf("%s: already on file as %s\n", scanIDs[i], res.ID)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().Int("parallel", 4, "Number of results to download at once")
	fetchCmd.Flags().String("proxy", "", "HTTP Proxy (Useful for debugging. Example: http://127.0.0.1:8080)")
}
