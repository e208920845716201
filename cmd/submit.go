package cmd

import (
	"net/http"

	"github.com/spf13/cobra"
)

func newSubmitCmd() *cobra.Command {
	var (
		flags  clientFlags
		userID string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "submit URL",
		Short: "Submits an article URL to a running pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"url": args[0], "force": force}
			if userID != "" {
				body["user_id"] = userID
			}
			return flags.do(cmd.Context(), cmd.OutOrStdout(), http.MethodPost, "/v1/tasks", body)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&userID, "user", "", "submitting user id")
	cmd.Flags().BoolVar(&force, "force", false, "create a new task even if the URL was seen recently")
	return cmd
}
