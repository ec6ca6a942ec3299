package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watchrip/wearbridge/internal/update"
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Check and install companion app updates",
	}
	cmd.AddCommand(
		newUpdateRunCmd("check", "Check the selected watch for a newer companion app", false),
		newUpdateRunCmd("install", "Download and install the newer companion app when one is available", true),
		newUpdateVersionsCmd(),
	)
	return cmd
}

func newUpdateRunCmd(use, short string, install bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine, serial, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer engine.Close()

			go func() {
				<-ctx.Done()
				engine.CancelUpdate()
			}()

			var last update.Status
			lastPct := -1
			for st := range engine.CheckForAppUpdate(ctx, serial) {
				last = st
				if st.Kind == update.Downloading {
					if pct := int(st.Progress * 100); pct != lastPct {
						lastPct = pct
						fmt.Printf("\r  %s", st.Text())
					}
					continue
				}
				if lastPct >= 0 {
					fmt.Println()
					lastPct = -1
				}
				fmt.Println("  " + st.Text())
				if st.Kind == update.Available {
					if !install {
						engine.CancelUpdate()
						continue
					}
					engine.InstallAvailableUpdate()
				}
			}

			return sessionResult(last, ctx.Err())
		},
	}
}

// sessionResult maps the final status of an update session to the command
// error.
func sessionResult(last update.Status, ctxErr error) error {
	switch last.Kind {
	case update.Failed:
		return errors.New(last.Message)
	case update.Available, update.NoUpdateNeeded, update.InstallComplete:
		return nil
	}
	log.Warn().Str("state", last.Kind.String()).Msg("update session ended early")
	return ctxErr
}

func newUpdateVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions",
		Short: "Compare the installed companion app on every watch with the latest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, _, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()

			report, err := engine.CheckVersions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("latest: %s\n", report.Online)
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERIAL\tNAME\tINSTALLED\tUPDATE")
			snap := engine.Devices()
			for _, serial := range report.Serials() {
				st := report.Devices[serial]
				installed := st.Installed
				if installed == "" {
					installed = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", serial, snap.Name(serial), installed, st.NeedsUpdate)
			}
			return w.Flush()
		},
	}
}
