package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_push/internal/pushswitch"
)

var switchCmd = &cobra.Command{
	Use:   "switch",
	Short: "Inspect or change the push switch",
}

var switchGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the current push switch",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st pushswitch.State
		if err := adminRequest("GET", "/admin/push-switch", nil, &st); err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), st, func(w io.Writer) { printSwitch(w, st) })
		return nil
	},
}

var (
	setGlobal bool
	setGray   []string
	setClosed []string
)

var switchSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Replace the push switch",
	Long: `Replace the push switch. Unspecified host lists are kept from the
current state.

Examples:
  pushbuffer switch set --global=false --gray 10.0.0.1,10.0.0.2
  pushbuffer switch set --global --closed 10.0.0.9`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st pushswitch.State
		if err := adminRequest("GET", "/admin/push-switch", nil, &st); err != nil {
			return err
		}
		if cmd.Flags().Changed("global") {
			st.GlobalEnabled = setGlobal
		}
		if cmd.Flags().Changed("gray") {
			st.GrayHosts = setGray
		}
		if cmd.Flags().Changed("closed") {
			st.ClosedHosts = setClosed
		}

		var updated pushswitch.State
		if err := adminRequest("PUT", "/admin/push-switch", st, &updated); err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), updated, func(w io.Writer) { printSwitch(w, updated) })
		return nil
	},
}

func init() {
	switchSetCmd.Flags().BoolVar(&setGlobal, "global", true, "enable push for all hosts")
	switchSetCmd.Flags().StringSliceVar(&setGray, "gray", nil, "hosts allowed while global push is off")
	switchSetCmd.Flags().StringSliceVar(&setClosed, "closed", nil, "hosts never pushed to")

	switchCmd.AddCommand(switchGetCmd, switchSetCmd)
	rootCmd.AddCommand(switchCmd)
}

func printSwitch(w io.Writer, st pushswitch.State) {
	fmt.Fprintf(w, "Global:  %t\n", st.GlobalEnabled)
	fmt.Fprintf(w, "Gray:    %s\n", hostList(st.GrayHosts))
	fmt.Fprintf(w, "Closed:  %s\n", hostList(st.ClosedHosts))
	if !st.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Updated: %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	}
}

func hostList(hosts []string) string {
	if len(hosts) == 0 {
		return "-"
	}
	return strings.Join(hosts, ", ")
}
