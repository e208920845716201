package cmd

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "status TASK_ID",
		Short: "Prints a task record from a running pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.do(cmd.Context(), cmd.OutOrStdout(), http.MethodGet, "/v1/tasks/"+url.PathEscape(args[0]), nil)
		},
	}
	flags.register(cmd)
	return cmd
}
