package cmd

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_push/internal/intake"
)

var bufferCmd = &cobra.Command{
	Use:   "buffer",
	Short: "Inspect or pause the push buffer",
}

var bufferStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show buffered task count and suspension",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bufferCall(cmd, http.MethodGet, "/v1/buffer")
	},
}

var bufferSuspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "Stop drain passes; tasks keep coalescing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bufferCall(cmd, http.MethodPost, "/admin/buffer/suspend")
	},
}

var bufferResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume drain passes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return bufferCall(cmd, http.MethodPost, "/admin/buffer/resume")
	},
}

func init() {
	bufferCmd.AddCommand(bufferStatusCmd, bufferSuspendCmd, bufferResumeCmd)
	rootCmd.AddCommand(bufferCmd)
}

func bufferCall(cmd *cobra.Command, method, path string) error {
	var resp intake.BufferResponse
	if err := adminRequest(method, path, nil, &resp); err != nil {
		return err
	}
	printOutput(cmd.OutOrStdout(), resp, func(w io.Writer) {
		state := "running"
		if resp.Suspended {
			state = "suspended"
		}
		fmt.Fprintf(w, "Buffered: %d\n", resp.Size)
		fmt.Fprintf(w, "State:    %s\n", state)
	})
	return nil
}
