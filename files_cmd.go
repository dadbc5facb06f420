package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"securebackup/storage"
)

func newFilesCommand(root *rootOptions) *cobra.Command {
	var clientID string

	cmd := &cobra.Command{
		Use:   "files",
		Short: "List files stored by the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := root.dataDir()
			if err != nil {
				return err
			}
			store, _, err := storage.Open(dataDir, storage.Options{CheckpointInterval: -1})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			files, err := store.ListFiles(clientID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT\tFILE\tSIZE\tCHECKSUM\tVERIFIED\tSTORED")
			for _, file := range files {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\t%s\n",
					file.ClientID,
					file.FileName,
					file.Size,
					file.Checksum,
					file.Verified,
					time.UnixMilli(file.Timestamp).Format(time.RFC3339),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&clientID, "client", "", "only list files of this client id")
	return cmd
}
