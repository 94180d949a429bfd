package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbarlow/wrangler/internal/dispatch"
	"github.com/mbarlow/wrangler/internal/errors"
)

func newActionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "action <name> [json-params]",
		Short: "Dispatch a single action and print the result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			req := dispatch.Request{Action: args[0]}
			if len(args) == 2 {
				req.Params = json.RawMessage(args[1])
			}

			result, err := a.dispatcher.Dispatch(cmd.Context(), req)
			if err != nil {
				if structured := errors.AsError(err); structured != nil {
					out, _ := json.MarshalIndent(structured, "", "  ")
					fmt.Fprintln(os.Stderr, string(out))
				}
				return err
			}

			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
