package network

import (
	"bytes"
	"errors"
	"testing"

	"securebackup/checksum"
	"securebackup/crypto"
)

func splitChunks(t *testing.T, key, plaintext []byte, chunkSize int, fileName string) []FileChunk {
	t.Helper()

	ciphertext, err := crypto.EncryptPayload(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptPayload failed: %v", err)
	}
	total := (len(ciphertext) + chunkSize - 1) / chunkSize

	chunks := make([]FileChunk, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * chunkSize
		if end > len(ciphertext) {
			end = len(ciphertext)
		}
		chunks = append(chunks, FileChunk{
			ContentSize:  uint32(len(ciphertext)),
			OrigSize:     uint32(len(plaintext)),
			PacketNumber: uint16(i + 1),
			TotalPackets: uint16(total),
			FileName:     fileName,
			Content:      ciphertext[i*chunkSize : end],
		})
	}
	return chunks
}

func testKey() []byte {
	return bytes.Repeat([]byte{0x24}, crypto.SymmetricKeySize)
}

func TestTransferReassemblesOutOfOrderChunks(t *testing.T) {
	plaintext := bytes.Repeat([]byte("backup-data-"), 500)
	chunks := splitChunks(t, testKey(), plaintext, 512, "data.bin")
	if len(chunks) < 3 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}

	session := NewTransferSession("data.bin", testKey())
	order := append([]FileChunk{chunks[len(chunks)-1]}, chunks[:len(chunks)-1]...)
	for i, chunk := range order {
		complete, err := session.AddChunk(chunk)
		if err != nil {
			t.Fatalf("AddChunk %d failed: %v", i, err)
		}
		if complete != (i == len(order)-1) {
			t.Fatalf("unexpected completion flag %v at chunk %d", complete, i)
		}
	}

	if session.State() != TransferPendingVerify {
		t.Fatalf("expected %s, got %s", TransferPendingVerify, session.State())
	}
	if session.Checksum() != checksum.Sum(plaintext) {
		t.Fatalf("checksum mismatch after reassembly")
	}

	got, err := session.Confirm()
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("reassembled plaintext differs")
	}
	if session.State() != TransferVerified {
		t.Fatalf("expected %s, got %s", TransferVerified, session.State())
	}
}

func TestTransferDuplicateChunkOverwrites(t *testing.T) {
	plaintext := bytes.Repeat([]byte{7}, 100)
	chunks := splitChunks(t, testKey(), plaintext, 64, "dup.bin")

	session := NewTransferSession("dup.bin", testKey())
	if _, err := session.AddChunk(chunks[0]); err != nil {
		t.Fatalf("AddChunk failed: %v", err)
	}
	if _, err := session.AddChunk(chunks[0]); err != nil {
		t.Fatalf("duplicate AddChunk failed: %v", err)
	}
	complete, err := session.AddChunk(chunks[1])
	if err != nil || !complete {
		t.Fatalf("expected completion, got complete=%v err=%v", complete, err)
	}
	if session.Checksum() != checksum.Sum(plaintext) {
		t.Fatalf("unexpected checksum after duplicate chunk")
	}
}

func TestTransferRejectsInvalidPackets(t *testing.T) {
	chunks := splitChunks(t, testKey(), bytes.Repeat([]byte{1}, 100), 64, "bad.bin")

	session := NewTransferSession("bad.bin", testKey())
	outOfRange := chunks[0]
	outOfRange.PacketNumber = 3
	if _, err := session.AddChunk(outOfRange); !errors.Is(err, ErrInvalidPacket) {
		t.Fatalf("expected ErrInvalidPacket for packet beyond total, got %v", err)
	}

	zero := chunks[0]
	zero.PacketNumber = 0
	if _, err := session.AddChunk(zero); !errors.Is(err, ErrInvalidPacket) {
		t.Fatalf("expected ErrInvalidPacket for packet zero, got %v", err)
	}

	if _, err := session.AddChunk(chunks[0]); err != nil {
		t.Fatalf("AddChunk failed: %v", err)
	}
	changed := chunks[1]
	changed.TotalPackets = 5
	if _, err := session.AddChunk(changed); !errors.Is(err, ErrInvalidPacket) {
		t.Fatalf("expected ErrInvalidPacket for changed total, got %v", err)
	}
	if !errors.Is(ErrInvalidPacket, ErrProtocolViolation) {
		t.Fatalf("expected ErrInvalidPacket to be a protocol violation")
	}

	// The session survives the violations and can still complete.
	if complete, err := session.AddChunk(chunks[1]); err != nil || !complete {
		t.Fatalf("expected completion after violations, got complete=%v err=%v", complete, err)
	}
}

func TestTransferRejectsOverflowingContent(t *testing.T) {
	chunks := splitChunks(t, testKey(), bytes.Repeat([]byte{1}, 100), 64, "big.bin")

	session := NewTransferSession("big.bin", testKey())
	oversized := chunks[0]
	oversized.Content = make([]byte, int(oversized.ContentSize)+1)
	if _, err := session.AddChunk(oversized); !errors.Is(err, ErrInvalidPacket) {
		t.Fatalf("expected ErrInvalidPacket, got %v", err)
	}
}

func TestTransferRetryBound(t *testing.T) {
	plaintext := []byte("0123456789")
	chunks := splitChunks(t, testKey(), plaintext, 64, "ten.txt")
	session := NewTransferSession("ten.txt", testKey())

	for attempt := 1; attempt <= MaxTransferAttempts; attempt++ {
		if session.Attempt() != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, session.Attempt())
		}
		complete, err := session.AddChunk(chunks[0])
		if err != nil || !complete {
			t.Fatalf("attempt %d: complete=%v err=%v", attempt, complete, err)
		}

		state, err := session.Retry()
		if err != nil {
			t.Fatalf("attempt %d: Retry failed: %v", attempt, err)
		}
		if attempt < MaxTransferAttempts {
			if state != TransferRetrying || session.State() != TransferAwaitingFirstChunk {
				t.Fatalf("attempt %d: expected retry, got %s (state %s)", attempt, state, session.State())
			}
			continue
		}
		if state != TransferAborted || session.State() != TransferAborted {
			t.Fatalf("4th mismatch must abort, got %s", state)
		}
	}

	if _, err := session.AddChunk(chunks[0]); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage after abort, got %v", err)
	}
}

func TestTransferStateGuards(t *testing.T) {
	session := NewTransferSession("x", testKey())
	if _, err := session.Confirm(); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage for early confirm, got %v", err)
	}
	if _, err := session.Retry(); !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("expected ErrUnexpectedMessage for early retry, got %v", err)
	}

	session.Abort()
	if session.State() != TransferAborted || !session.Done() {
		t.Fatalf("expected aborted session")
	}
}

func TestTransferCorruptedPayloadReportsMismatch(t *testing.T) {
	plaintext := []byte("0123456789")
	chunks := splitChunks(t, testKey(), plaintext, 64, "ten.txt")
	chunks[0].Content = bytes.Clone(chunks[0].Content)
	chunks[0].Content[0] ^= 0xff

	session := NewTransferSession("ten.txt", testKey())
	complete, err := session.AddChunk(chunks[0])
	if err != nil || !complete {
		t.Fatalf("expected completion for corrupted payload, got complete=%v err=%v", complete, err)
	}
	if session.Checksum() == checksum.Sum(plaintext) {
		t.Fatalf("expected checksum to differ for corrupted payload")
	}
}
