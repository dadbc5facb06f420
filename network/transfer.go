package network

import (
	"bytes"
	"errors"
	"fmt"

	"securebackup/checksum"
	"securebackup/crypto"
)

// MaxTransferAttempts is the number of whole-file sends allowed for one file.
// The failure of the last attempt forces an abort.
const MaxTransferAttempts = 4

// TransferState is the lifecycle state of one inbound file transfer.
type TransferState string

const (
	TransferAwaitingFirstChunk TransferState = "AWAITING_FIRST_CHUNK"
	TransferReceiving          TransferState = "RECEIVING"
	TransferPendingVerify      TransferState = "COMPLETE_PENDING_VERIFICATION"
	TransferVerified           TransferState = "VERIFIED"
	TransferRetrying           TransferState = "RETRYING"
	TransferAborted            TransferState = "ABORTED"
)

var (
	// ErrInvalidPacket indicates packet numbering or sizes that contradict the transfer.
	ErrInvalidPacket = fmt.Errorf("%w: invalid packet", ErrProtocolViolation)
	// ErrUnexpectedMessage indicates a message that is not valid in the current state.
	ErrUnexpectedMessage = fmt.Errorf("%w: unexpected message for state", ErrProtocolViolation)
	// ErrChecksumMismatch signals a checksum disagreement. It drives the retry
	// transition and only surfaces once the attempts are exhausted.
	ErrChecksumMismatch = errors.New("network: checksum mismatch")
)

// TransferSession accumulates the chunks of one file from one client.
type TransferSession struct {
	fileName string
	key      []byte

	state   TransferState
	attempt int

	expectedPackets uint16
	contentSize     uint32
	origSize        uint32
	chunks          map[uint16][]byte
	receivedBytes   uint64

	plaintext []byte
	checksum  uint32
}

// NewTransferSession creates a session that decrypts with key.
func NewTransferSession(fileName string, key []byte) *TransferSession {
	return &TransferSession{
		fileName: fileName,
		key:      bytes.Clone(key),
		state:    TransferAwaitingFirstChunk,
		attempt:  1,
	}
}

// FileName returns the file the session belongs to.
func (t *TransferSession) FileName() string { return t.fileName }

// State returns the current state.
func (t *TransferSession) State() TransferState { return t.state }

// Attempt returns the 1-based number of the current whole-file send.
func (t *TransferSession) Attempt() int { return t.attempt }

// Checksum returns the checksum of the reassembled plaintext.
func (t *TransferSession) Checksum() uint32 { return t.checksum }

// ContentSize returns the declared encrypted size of the file.
func (t *TransferSession) ContentSize() uint32 { return t.contentSize }

// Done reports whether the session reached a terminal state.
func (t *TransferSession) Done() bool {
	return t.state == TransferVerified || t.state == TransferAborted
}

// AddChunk stores one chunk. It returns true once every packet is present and
// the payload has been decrypted and checksummed.
func (t *TransferSession) AddChunk(chunk FileChunk) (bool, error) {
	switch t.state {
	case TransferAwaitingFirstChunk:
		if err := t.begin(chunk); err != nil {
			return false, err
		}
	case TransferReceiving:
		if err := t.checkConsistent(chunk); err != nil {
			return false, err
		}
	default:
		return false, fmt.Errorf("%w: chunk for %q in state %s", ErrUnexpectedMessage, t.fileName, t.state)
	}

	previous := uint64(len(t.chunks[chunk.PacketNumber]))
	if t.receivedBytes-previous+uint64(len(chunk.Content)) > uint64(t.contentSize) {
		return false, fmt.Errorf("%w: chunks exceed declared content size %d", ErrInvalidPacket, t.contentSize)
	}
	t.chunks[chunk.PacketNumber] = chunk.Content
	t.receivedBytes = t.receivedBytes - previous + uint64(len(chunk.Content))

	if len(t.chunks) < int(t.expectedPackets) {
		return false, nil
	}
	if err := t.complete(); err != nil {
		return false, err
	}
	return true, nil
}

func (t *TransferSession) begin(chunk FileChunk) error {
	if chunk.TotalPackets == 0 || chunk.PacketNumber == 0 || chunk.PacketNumber > chunk.TotalPackets {
		return fmt.Errorf("%w: packet %d of %d", ErrInvalidPacket, chunk.PacketNumber, chunk.TotalPackets)
	}
	if chunk.ContentSize == 0 {
		return fmt.Errorf("%w: empty content size", ErrInvalidPacket)
	}

	t.expectedPackets = chunk.TotalPackets
	t.contentSize = chunk.ContentSize
	t.origSize = chunk.OrigSize
	t.chunks = make(map[uint16][]byte, int(chunk.TotalPackets))
	t.receivedBytes = 0
	t.state = TransferReceiving
	return nil
}

func (t *TransferSession) checkConsistent(chunk FileChunk) error {
	if chunk.TotalPackets != t.expectedPackets {
		return fmt.Errorf("%w: total packets changed from %d to %d", ErrInvalidPacket, t.expectedPackets, chunk.TotalPackets)
	}
	if chunk.PacketNumber == 0 || chunk.PacketNumber > t.expectedPackets {
		return fmt.Errorf("%w: packet %d of %d", ErrInvalidPacket, chunk.PacketNumber, t.expectedPackets)
	}
	if chunk.ContentSize != t.contentSize || chunk.OrigSize != t.origSize {
		return fmt.Errorf("%w: sizes changed mid-transfer", ErrInvalidPacket)
	}
	return nil
}

func (t *TransferSession) complete() error {
	if t.receivedBytes != uint64(t.contentSize) {
		t.resetChunks()
		return fmt.Errorf("%w: received %d bytes, declared %d", ErrInvalidPacket, t.receivedBytes, t.contentSize)
	}

	ciphertext := make([]byte, 0, t.contentSize)
	for packet := uint16(1); packet <= t.expectedPackets; packet++ {
		ciphertext = append(ciphertext, t.chunks[packet]...)
		if packet == MaxPacketCount {
			break
		}
	}

	plaintext, err := crypto.DecryptPayload(t.key, ciphertext)
	if crypto.IsPaddingError(err) {
		// A correct transfer always carries valid padding, so the checksum of
		// the raw block output is reported and the peer sees a mismatch.
		plaintext, err = crypto.DecryptPayloadRaw(t.key, ciphertext)
	}
	if err != nil {
		t.resetChunks()
		return err
	}

	t.plaintext = plaintext
	t.checksum = checksum.Sum(plaintext)
	t.chunks = nil
	t.state = TransferPendingVerify
	return nil
}

// Confirm marks the transfer verified and returns the plaintext.
func (t *TransferSession) Confirm() ([]byte, error) {
	if t.state != TransferPendingVerify {
		return nil, fmt.Errorf("%w: confirm for %q in state %s", ErrUnexpectedMessage, t.fileName, t.state)
	}

	plaintext := t.plaintext
	t.plaintext = nil
	t.state = TransferVerified
	return plaintext, nil
}

// Retry discards the received data for a whole-file resend. It returns
// TransferRetrying, or TransferAborted when the last attempt has failed.
func (t *TransferSession) Retry() (TransferState, error) {
	if t.state != TransferPendingVerify {
		return t.state, fmt.Errorf("%w: retry for %q in state %s", ErrUnexpectedMessage, t.fileName, t.state)
	}

	if t.attempt >= MaxTransferAttempts {
		t.Abort()
		return TransferAborted, nil
	}

	t.attempt++
	t.resetChunks()
	t.plaintext = nil
	t.checksum = 0
	return TransferRetrying, nil
}

// Abort discards all state. It is a no-op once the session is done.
func (t *TransferSession) Abort() {
	if t.Done() {
		return
	}
	t.chunks = nil
	t.plaintext = nil
	t.receivedBytes = 0
	t.state = TransferAborted
}

func (t *TransferSession) resetChunks() {
	t.chunks = nil
	t.receivedBytes = 0
	t.expectedPackets = 0
	t.contentSize = 0
	t.origSize = 0
	t.state = TransferAwaitingFirstChunk
}
