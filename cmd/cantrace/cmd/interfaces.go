package cmd

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roffe/canbus"
	"github.com/roffe/canbus/tracefile"
)

func newInterfacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "List available transports and trace formats",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			bold := color.New(color.Bold).SprintFunc()
			fmt.Fprintln(out, bold("Transports:"))
			for _, t := range canbus.ListTransports() {
				fmt.Fprintf(out, "  %-12s %s (%s)\n", t.Name, t.Description, t.Capabilities.String())
			}
			fmt.Fprintln(out, bold("Formats:"))
			for _, f := range tracefile.Formats() {
				fmt.Fprintf(out, "  %-12s %s\n", f.Name, strings.Join(f.Extensions, " "))
			}
		},
	}
}
