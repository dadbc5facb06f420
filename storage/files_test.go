package storage

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"securebackup/models"
)

func TestFileRecordLifecycle(t *testing.T) {
	store := newTestStore(t)
	client := mustSaveClient(t, store, "alice")

	verified := models.StoredFile{
		ClientID:  client.ID.String(),
		FileName:  "report.pdf",
		Path:      "/srv/backup/report.pdf",
		Checksum:  4294967295,
		Size:      2048,
		Verified:  true,
		Timestamp: 1000,
	}
	if err := store.SaveFile(verified); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}

	got, err := store.GetFile(client.ID.String(), "report.pdf")
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if got != verified {
		t.Fatalf("unexpected file record: got %+v want %+v", got, verified)
	}

	// A failed re-upload keeps the verified record.
	if err := store.SaveFile(models.StoredFile{
		ClientID:  client.ID.String(),
		FileName:  "report.pdf",
		Timestamp: 2000,
	}); err != nil {
		t.Fatalf("SaveFile unverified failed: %v", err)
	}
	got, err = store.GetFile(client.ID.String(), "report.pdf")
	if err != nil {
		t.Fatalf("GetFile after failed upload: %v", err)
	}
	if !got.Verified || got.Timestamp != 1000 {
		t.Fatalf("verified record was replaced: %+v", got)
	}

	// A new verified upload replaces it.
	verified.Checksum = 42
	verified.Timestamp = 3000
	if err := store.SaveFile(verified); err != nil {
		t.Fatalf("SaveFile replacement failed: %v", err)
	}
	got, _ = store.GetFile(client.ID.String(), "report.pdf")
	if got.Checksum != 42 || got.Timestamp != 3000 {
		t.Fatalf("expected replacement record, got %+v", got)
	}
}

func TestGetFileNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetFile(uuid.NewString(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetFile("not-a-uuid", "missing"); err == nil {
		t.Fatalf("expected error for invalid client id")
	}
}

func TestListFiles(t *testing.T) {
	store := newTestStore(t)
	alice := mustSaveClient(t, store, "alice")
	bob := mustSaveClient(t, store, "bob")

	records := []models.StoredFile{
		{ClientID: alice.ID.String(), FileName: "a1", Verified: true, Timestamp: 10},
		{ClientID: alice.ID.String(), FileName: "a2", Verified: false, Timestamp: 30},
		{ClientID: bob.ID.String(), FileName: "b1", Verified: true, Timestamp: 20},
	}
	for _, record := range records {
		if err := store.SaveFile(record); err != nil {
			t.Fatalf("SaveFile %q failed: %v", record.FileName, err)
		}
	}

	all, err := store.ListFiles("")
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(all) != 3 || all[0].FileName != "a2" || all[1].FileName != "b1" || all[2].FileName != "a1" {
		t.Fatalf("unexpected order: %+v", all)
	}

	aliceFiles, err := store.ListFiles(alice.ID.String())
	if err != nil {
		t.Fatalf("ListFiles for client failed: %v", err)
	}
	if len(aliceFiles) != 2 {
		t.Fatalf("expected 2 files for alice, got %d", len(aliceFiles))
	}
}

func TestSaveFileRequiresKnownClient(t *testing.T) {
	store := newTestStore(t)
	err := store.SaveFile(models.StoredFile{ClientID: uuid.NewString(), FileName: "orphan", Timestamp: 1})
	if err == nil {
		t.Fatalf("expected foreign key violation for unknown client")
	}
}
