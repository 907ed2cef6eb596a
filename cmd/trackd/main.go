// The trackd command runs the device communication server and provides a few
// tools for inspecting the events it has stored.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	// Protocols register themselves with the protocol registry.
	_ "github.com/dcrodman/trackd/internal/protocol/ascii"
	_ "github.com/dcrodman/trackd/internal/protocol/binary"
	_ "github.com/dcrodman/trackd/internal/protocol/command"
)

var ConfigFlag string

func main() {
	rootCmd := &cobra.Command{
		Use:   "trackd",
		Short: "GPS device communication server and related tools",
		Run:   ServerCommand,
	}
	rootCmd.PersistentFlags().StringVarP(&ConfigFlag, "config", "c", "./", "Path to the directory containing the server config file")

	eventsCmd.Flags().StringVarP(&DeviceFlag, "device", "d", "", "ID of the device whose events are listed")
	eventsCmd.Flags().IntVarP(&LimitFlag, "limit", "n", 20, "Maximum number of events to list (0 for all)")
	_ = eventsCmd.MarkFlagRequired("device")

	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(protocolsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
