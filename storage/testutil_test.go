package storage

import (
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"securebackup/registry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveClient(t *testing.T, store *Store, name string) registry.Client {
	t.Helper()

	client := registry.Client{
		ID:       uuid.New(),
		Name:     name,
		LastSeen: time.UnixMilli(nowUnixMilli()),
	}
	if err := store.SaveClient(client); err != nil {
		t.Fatalf("save client %q: %v", name, err)
	}
	return client
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
