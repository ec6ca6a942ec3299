package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/watchrip/wearbridge/internal/config"
	"github.com/watchrip/wearbridge/internal/storage"
)

func newDevicesCmd() *cobra.Command {
	var flagInventory bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List connected watches",
		Long:  "Lists authorised devices with their model names. --inventory prints every device seen before, with its last known app version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagInventory {
				return printInventory(cmd)
			}
			engine, _, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()

			tool, _ := engine.LocateTool(cmd.Context())
			fmt.Printf("bridge tool: %s\n", tool)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERIAL\tNAME\tSELECTED")
			for _, d := range engine.Devices().Devices {
				mark := ""
				if d.Serial == engine.Selected() {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Serial, d.Name, mark)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&flagInventory, "inventory", false, "print the persisted device inventory instead of polling")
	return cmd
}

func printInventory(cmd *cobra.Command) error {
	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		return err
	}
	if cfg.DisableState {
		return fmt.Errorf("state store disabled ($%s)", config.EnvDisableState)
	}
	store, err := storage.Open(cfg.StateDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.Devices(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tNAME\tSTATUS\tINSTALLED\tLATEST\tLAST SEEN")
	for _, r := range rows {
		seen := "never"
		if !r.LastSeenAt.IsZero() {
			seen = humanize.Time(r.LastSeenAt)
		}
		latest := r.OnlineVersion
		if r.NeedsUpdate {
			latest += " (update)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Serial, r.Name, r.Status, r.InstalledVersion, latest, seen)
	}
	return w.Flush()
}
