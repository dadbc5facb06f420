package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"securebackup/config"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	LogLevel string
	DataDir  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	logger := logrus.New()

	cmd := &cobra.Command{
		Use:   "securebackup",
		Short: "Encrypted file backup over a private TCP protocol",
		Long: `securebackup backs up files to a server over a binary TCP protocol.
File contents are encrypted with a per-session AES key that the server
wraps with the client's RSA public key, and every upload is verified
with a POSIX cksum compatible checksum before it is stored.`,
		Example: `  # Run the server with the settings in server.json
  securebackup server

  # Back up one file, discovering the server on the local network
  securebackup backup --file ./report.pdf --name alice

  # List the files the server has stored
  securebackup files`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(opts.LogLevel)
			if err != nil {
				return err
			}
			logger.SetLevel(level)
			logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info",
		"log level (panic, fatal, error, warn, info, debug, trace)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "",
		"data directory (defaults to $"+config.DataDirEnv+" or the per-user config directory)")

	cmd.AddCommand(
		newServerCommand(opts, logger),
		newBackupCommand(opts, logger),
		newFilesCommand(opts),
	)
	return cmd
}

func (o *rootOptions) dataDir() (string, error) {
	if o.DataDir != "" {
		return o.DataDir, nil
	}
	return config.ResolveDataDir()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
