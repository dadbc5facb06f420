package main

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"securebackup/config"
	"securebackup/crypto"
	"securebackup/network"
)

func TestLoadLocalIdentityMissingMeansUnregistered(t *testing.T) {
	cfg, _, err := config.LoadOrCreateClient(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrCreateClient failed: %v", err)
	}

	identity, err := loadLocalIdentity(cfg)
	if err != nil {
		t.Fatalf("loadLocalIdentity failed: %v", err)
	}
	if identity != nil {
		t.Fatalf("expected no identity, got %+v", identity)
	}
}

func TestLoadLocalIdentityReadsKeyAndID(t *testing.T) {
	dataDir := t.TempDir()
	cfg, _, err := config.LoadOrCreateClient(dataDir)
	if err != nil {
		t.Fatalf("LoadOrCreateClient failed: %v", err)
	}

	privateKey, err := crypto.EnsurePrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		t.Fatalf("EnsurePrivateKey failed: %v", err)
	}
	id := uuid.New()
	if err := config.SaveIdentity(cfg.IdentityPath, config.NewIdentity("alice", id, cfg.PrivateKeyPath)); err != nil {
		t.Fatalf("SaveIdentity failed: %v", err)
	}

	identity, err := loadLocalIdentity(cfg)
	if err != nil {
		t.Fatalf("loadLocalIdentity failed: %v", err)
	}
	if identity == nil || identity.Name != "alice" || identity.ClientID != id {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if !identity.PrivateKey.Equal(privateKey) {
		t.Fatalf("expected the stored private key")
	}
}

func TestApplyBackupFlagsOverridesConfig(t *testing.T) {
	cfg := &config.ClientConfig{ServerAddress: "a:1", ClientName: "old", FilePath: "old.txt"}
	applyBackupFlags(cfg, &backupFlags{Name: "new", File: filepath.Join("dir", "new.txt")})

	if cfg.ServerAddress != "a:1" || cfg.ClientName != "new" || cfg.FilePath != filepath.Join("dir", "new.txt") {
		t.Fatalf("unexpected config after flags %+v", cfg)
	}
}

func TestIdentityFingerprintIsGrouped(t *testing.T) {
	privateKey, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	got := identityFingerprint(&network.LocalIdentity{Name: "alice", ClientID: uuid.New(), PrivateKey: privateKey})
	if len(got) != 39 {
		t.Fatalf("expected 8 groups of 4 chars, got %q", got)
	}
	if identityFingerprint(nil) != "" {
		t.Fatalf("expected empty fingerprint for nil identity")
	}
}
