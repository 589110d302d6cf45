package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sw33tLie/casefile/pkg/storage"
)

var watchCmd = &cobra.Command{
	Use:   "watch <owner>",
	Short: "Print the case file every time it changes, until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStack(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		snapshots := make(chan []storage.Entry, 1)
		cancel, err := st.Engine.Subscribe(args[0], func(entries []storage.Entry) {
			select {
			case <-snapshots:
			default:
			}
			snapshots <- entries
		})
		if err != nil {
			return err
		}
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				if ctx.Err() == context.Canceled {
					return nil
				}
				return ctx.Err()
			case entries := <-snapshots:
				if asJSON {
					if err := printJSON(entries); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("--> %s: %d entries\n", args[0], len(entries))
				if len(entries) > 0 {
					printEntries(entries)
				}
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().Bool("json", false, "Print each snapshot as JSON")
}
