package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/dcrodman/trackd/internal/core"
	"github.com/dcrodman/trackd/internal/core/data"
	"github.com/dcrodman/trackd/internal/protocol"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Lists the most recent events stored for a device",
	Run:   EventsCommand,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Lists every device that has reported in and its last position",
	Run:   DevicesCommand,
}

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "Lists the protocols this build of trackd can serve",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range protocol.Names() {
			fmt.Println(name)
		}
	},
}

var (
	DeviceFlag string
	LimitFlag  int
)

func initDB() *gorm.DB {
	cfg, err := core.LoadConfig(ConfigFlag)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	// Change to the same directory as the config file so that any relative
	// paths in the config file will resolve.
	if err := os.Chdir(ConfigFlag); err != nil {
		fmt.Println("error changing to config directory:", err)
		os.Exit(1)
	}

	dialector, err := data.Dialector(cfg)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		fmt.Println("error connecting to database:", err.Error())
		os.Exit(1)
	}
	return db
}

func EventsCommand(cmd *cobra.Command, args []string) {
	db := initDB()
	defer data.Shutdown(db)

	events, err := data.FindEventsByDevice(db, DeviceFlag, LimitFlag)
	if err != nil {
		fmt.Println("error finding events:", err)
		return
	}
	if len(events) == 0 {
		fmt.Printf("no events stored for device '%s'\n", DeviceFlag)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tLATITUDE\tLONGITUDE\tPROTOCOL\tLISTENER\tREMOTE")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%.6f\t%.6f\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339), e.Latitude, e.Longitude, e.Protocol, e.Listener, e.Remote)
	}
	_ = w.Flush()
}

func DevicesCommand(cmd *cobra.Command, args []string) {
	db := initDB()
	defer data.Shutdown(db)

	devices, err := data.FindDevices(db)
	if err != nil {
		fmt.Println("error finding devices:", err)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tPROTOCOL\tLAST SEEN\tLATITUDE\tLONGITUDE\tEVENTS")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.6f\t%.6f\t%d\n",
			d.ID, d.Protocol, d.LastSeen.UTC().Format(time.RFC3339), d.LastLatitude, d.LastLongitude, d.EventCount)
	}
	_ = w.Flush()
}
