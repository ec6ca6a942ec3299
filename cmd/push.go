package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/watchrip/wearbridge"
)

func newPushCmd() *cobra.Command {
	var (
		flagRemoteName string
		flagRemoteDir  string
	)

	cmd := &cobra.Command{
		Use:   "push <file>",
		Short: "Push one file to the watch",
		Long:  "Creates the remote directory, clears it, pushes the file and syncs. The directory defaults to the companion app data directory.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, serial, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()

			local, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			ok, _ := printStatuses(engine.PushFile(cmd.Context(), wearbridge.PushRequest{
				LocalPath:  local,
				RemoteName: firstNonEmpty(flagRemoteName, filepath.Base(local)),
				RemoteDir:  flagRemoteDir,
				Serial:     serial,
			}))
			if !ok {
				return fmt.Errorf("push of %s failed", filepath.Base(local))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagRemoteName, "name", "", "remote file name (defaults to the local name)")
	cmd.Flags().StringVar(&flagRemoteDir, "dir", "", "remote directory (defaults to the app data directory)")
	return cmd
}

func newPushAppCmd() *cobra.Command {
	var flagRemoteName string

	cmd := &cobra.Command{
		Use:   "push-app <file>",
		Short: "Push a file and open it in the companion app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, serial, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()

			local, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			name := firstNonEmpty(flagRemoteName, filepath.Base(local))
			if ok, _ := printStatuses(engine.PushAppFile(cmd.Context(), local, name, serial)); !ok {
				return fmt.Errorf("push of %s failed", name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagRemoteName, "name", "", "remote file name (defaults to the local name)")
	return cmd
}

func newPushBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push-batch <file>...",
		Short: "Push several files into the download directory without clearing it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, serial, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer engine.Close()

			if ok, _ := printStatuses(engine.PushFiles(cmd.Context(), serial, args)); !ok {
				return fmt.Errorf("batch push incomplete")
			}
			return nil
		},
	}
}
