package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"securebackup/config"
	"securebackup/crypto"
	"securebackup/discovery"
	"securebackup/network"
)

type backupFlags struct {
	Server string
	Name   string
	File   string
}

func newBackupCommand(root *rootOptions, logger *logrus.Logger) *cobra.Command {
	flags := &backupFlags{}

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up one file to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, err := root.dataDir()
			if err != nil {
				return err
			}
			cfg, cfgPath, err := config.LoadOrCreateClient(dataDir)
			if err != nil {
				return fmt.Errorf("load client config: %w", err)
			}
			applyBackupFlags(cfg, flags)
			if cfg.FilePath == "" {
				return fmt.Errorf("no file to back up: set file_path in %s or pass --file", cfgPath)
			}

			ctx := cmd.Context()
			address := cfg.ServerAddress
			if address == "" {
				info, err := os.Stat(cfg.FilePath)
				if err != nil {
					return fmt.Errorf("stat backup file: %w", err)
				}
				address, err = discovery.Resolve(ctx, discovery.Config{
					RequiredFileSize: int64(crypto.EncryptedSize(int(info.Size()))),
				})
				if err != nil {
					return fmt.Errorf("resolve server: %w", err)
				}
				logger.WithField("server", address).Info("server discovered")
			}

			identity, err := loadLocalIdentity(cfg)
			if err != nil {
				return err
			}
			var fingerprint string
			if identity != nil {
				fingerprint = identityFingerprint(identity)
			}

			client := network.NewClient(network.ClientOptions{
				Logger:    logger,
				Name:      cfg.ClientName,
				ChunkSize: cfg.ChunkSize,
				IOTimeout: time.Duration(cfg.IOTimeoutSeconds) * time.Second,
				OnIdentity: func(id network.LocalIdentity) error {
					if err := crypto.SavePrivateKey(cfg.PrivateKeyPath, id.PrivateKey); err != nil {
						return err
					}
					fingerprint = identityFingerprint(&id)
					return config.SaveIdentity(cfg.IdentityPath, config.NewIdentity(id.Name, id.ClientID, cfg.PrivateKeyPath))
				},
				OnIdentityRevoked: func(id network.LocalIdentity) {
					if err := config.RemoveIdentity(cfg.IdentityPath); err != nil {
						logger.WithError(err).Warn("remove revoked identity")
					}
				},
			})

			result, runErr := client.Run(ctx, network.Job{
				Address:  address,
				Identity: identity,
				FilePath: cfg.FilePath,
			})

			fmt.Printf("File:            %s\n", result.FileName)
			fmt.Printf("Server:          %s\n", address)
			if fingerprint != "" {
				fmt.Printf("Fingerprint:     %s\n", fingerprint)
			}
			fmt.Printf("Checksum:        %d\n", result.Checksum)
			fmt.Printf("Attempts:        %d\n", result.Attempts)
			fmt.Printf("Verified:        %t\n", result.Verified)
			if result.ErrorKind != "" {
				fmt.Printf("Error Kind:      %s\n", result.ErrorKind)
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&flags.Server, "server", "s", "", "server address host:port (overrides client.json)")
	cmd.Flags().StringVarP(&flags.Name, "name", "n", "", "client name used for registration (overrides client.json)")
	cmd.Flags().StringVarP(&flags.File, "file", "f", "", "file to back up (overrides client.json)")
	return cmd
}

func applyBackupFlags(cfg *config.ClientConfig, flags *backupFlags) {
	if flags.Server != "" {
		cfg.ServerAddress = flags.Server
	}
	if flags.Name != "" {
		cfg.ClientName = flags.Name
	}
	if flags.File != "" {
		cfg.FilePath = flags.File
	}
}

// loadLocalIdentity returns the stored identity, or nil when the client has
// not registered yet.
func loadLocalIdentity(cfg *config.ClientConfig) (*network.LocalIdentity, error) {
	stored, err := config.LoadIdentity(cfg.IdentityPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("load identity: %w", err)
	}

	id, err := stored.ID()
	if err != nil {
		return nil, err
	}
	keyPath := stored.PrivateKeyPath
	if keyPath == "" {
		keyPath = cfg.PrivateKeyPath
	}
	privateKey, err := crypto.LoadPrivateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("load identity key: %w", err)
	}

	return &network.LocalIdentity{
		Name:       stored.Name,
		ClientID:   id,
		PrivateKey: privateKey,
	}, nil
}

func identityFingerprint(identity *network.LocalIdentity) string {
	if identity == nil || identity.PrivateKey == nil {
		return ""
	}
	publicKey, err := crypto.MarshalPublicKey(&identity.PrivateKey.PublicKey)
	if err != nil {
		return ""
	}
	return crypto.FormatFingerprint(crypto.KeyFingerprint(publicKey))
}
