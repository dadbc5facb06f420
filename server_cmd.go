package main

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"securebackup/config"
	"securebackup/discovery"
	"securebackup/models"
	"securebackup/network"
	"securebackup/registry"
	"securebackup/storage"
)

func newServerCommand(root *rootOptions, logger *logrus.Logger) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the backup server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := root.dataDir()
			if err != nil {
				return err
			}
			cfg, cfgPath, err := config.LoadOrCreateServer(dataDir)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if port > 0 {
				cfg.ListenPort = port
			}

			store, dbPath, err := storage.Open(dataDir, storage.Options{Logger: logger})
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.WithError(err).Warn("database close error")
				}
			}()

			reg, err := registry.New(store)
			if err != nil {
				return err
			}

			server, err := network.Listen(fmt.Sprintf(":%d", cfg.ListenPort), network.ServerOptions{
				Registry:       reg,
				Logger:         logger,
				FilesDir:       cfg.FilesDir,
				MaxPayloadSize: cfg.MaxPayloadSize,
				MaxFileSize:    cfg.MaxFileSize,
				IdleTimeout:    time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
				OnFileStored: func(file models.StoredFile) {
					if err := store.SaveFile(file); err != nil {
						logger.WithError(err).WithField("file", file.FileName).Error("record stored file")
					}
				},
				OnClientSeen: func(client models.ClientSeen) {
					logger.WithFields(logrus.Fields{"client": client.ClientID, "name": client.Name}).Debug("client seen")
				},
			})
			if err != nil {
				return err
			}
			defer server.Close()
			go func() {
				for err := range server.Errors() {
					logger.WithError(err).Debug("server error")
				}
			}()

			fmt.Printf("Listening:       %s\n", server.Addr())
			fmt.Printf("Known Clients:   %d\n", reg.Len())
			if _, files, err := store.Stats(); err == nil {
				fmt.Printf("Stored Files:    %d\n", files)
			}
			fmt.Printf("Files Directory: %s\n", cfg.FilesDir)
			fmt.Printf("Config File:     %s\n", cfgPath)
			fmt.Printf("Database File:   %s\n", dbPath)

			if cfg.Advertise {
				advertisedPort := cfg.ListenPort
				if addr, ok := server.Addr().(*net.TCPAddr); ok {
					advertisedPort = addr.Port
				}

				broadcaster, err := discovery.Advertise(discovery.Config{}, discovery.Advertisement{
					Instance:    cfg.InstanceName,
					Port:        advertisedPort,
					MaxFileSize: cfg.MaxFileSize,
				})
				if err != nil {
					logger.WithError(err).Warn("discovery startup failed")
				} else {
					defer broadcaster.Stop()
					fmt.Printf("Discovery:       advertising %q\n", broadcaster.Instance())
				}
			}

			fmt.Println("Status:          running (press Ctrl+C to stop)")
			<-cmd.Context().Done()
			fmt.Println("Status:          shutting down")
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.json)")
	return cmd
}
