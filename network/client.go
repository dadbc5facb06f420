package network

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"securebackup/checksum"
	"securebackup/crypto"
	"securebackup/models"
)

// MaxOperationAttempts is the number of times one outbound message is sent
// before the run gives up.
const MaxOperationAttempts = 3

// ErrServerFailure indicates a failure or unexpected response code.
var ErrServerFailure = errors.New("network: server failure")

// OperationError is returned once an operation exhausted its attempts.
type OperationError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// LocalIdentity is the client's registered identity.
type LocalIdentity struct {
	Name       string
	ClientID   uuid.UUID
	PrivateKey *rsa.PrivateKey
}

// Job describes one backup run.
type Job struct {
	Address  string
	Identity *LocalIdentity
	FilePath string
}

// ClientOptions configures the backup client.
type ClientOptions struct {
	Logger *logrus.Logger

	// Name is used for registration when the job carries no identity.
	Name           string
	ChunkSize      int
	DialTimeout    time.Duration
	IOTimeout      time.Duration
	MaxPayloadSize uint32

	// OnIdentity persists a newly registered identity before the key exchange.
	OnIdentity func(LocalIdentity) error
	// OnIdentityRevoked is called when the server denies a reconnect.
	OnIdentityRevoked func(LocalIdentity)

	mutateCiphertext func(attempt int, ciphertext []byte) []byte
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultConnectionTimeout
	}
	if out.MaxPayloadSize == 0 {
		out.MaxPayloadSize = DefaultMaxPayloadSize
	}
	return out
}

// Client runs backup jobs against a server.
type Client struct {
	options ClientOptions
}

// NewClient creates a client.
func NewClient(options ClientOptions) *Client {
	return &Client{options: options.withDefaults()}
}

// Run backs up one file. The returned result is always populated; err is
// non-nil whenever the file was not verified by the server.
func (c *Client) Run(ctx context.Context, job Job) (models.TransferResult, error) {
	result := models.TransferResult{FileName: filepath.Base(job.FilePath)}
	log := c.options.Logger.WithFields(logrus.Fields{"server": job.Address, "file": result.FileName})

	fail := func(err error) (models.TransferResult, error) {
		result.ErrorKind = ClassifyError(err)
		result.Error = err.Error()
		log.WithError(err).WithField("kind", result.ErrorKind).Error("backup failed")
		return result, err
	}

	plaintext, err := os.ReadFile(job.FilePath)
	if err != nil {
		return fail(fmt.Errorf("read backup file: %w", err))
	}
	if uint64(crypto.EncryptedSize(len(plaintext))) > math.MaxUint32 {
		return fail(fmt.Errorf("backup file %q is too large", job.FilePath))
	}
	result.Checksum = checksum.Sum(plaintext)

	exchange := &clientExchange{
		address: job.Address,
		options: c.options,
		log:     log,
	}
	defer exchange.close()
	if err := exchange.open(ctx); err != nil {
		return fail(err)
	}

	// Cancellation unblocks pending socket calls.
	stop := context.AfterFunc(ctx, exchange.interrupt)
	defer stop()

	identity, err := c.identify(ctx, exchange, job)
	if err != nil {
		return fail(err)
	}
	log = log.WithField("client", identity.ClientID.String())
	exchange.log = log

	attempts, err := c.transfer(ctx, exchange, identity.ClientID, result.FileName, plaintext, result.Checksum)
	result.Attempts = attempts
	if err != nil {
		return fail(err)
	}

	result.Verified = true
	log.WithFields(logrus.Fields{"attempts": attempts, "checksum": result.Checksum}).Info("backup verified")
	return result, nil
}

func (c *Client) identify(ctx context.Context, exchange *clientExchange, job Job) (LocalIdentity, error) {
	name := c.options.Name
	if job.Identity != nil && job.Identity.PrivateKey != nil {
		identity := *job.Identity
		key, ok, err := c.reconnect(ctx, exchange, identity)
		if err != nil {
			return LocalIdentity{}, err
		}
		if ok {
			exchange.identified(identity, key)
			return identity, nil
		}

		exchange.log.WithField("name", identity.Name).Warn("reconnect denied, registering again")
		if c.options.OnIdentityRevoked != nil {
			c.options.OnIdentityRevoked(identity)
		}
		name = identity.Name
	}
	if name == "" {
		return LocalIdentity{}, errors.New("network: client name is required")
	}
	return c.register(ctx, exchange, name)
}

func (c *Client) reconnect(ctx context.Context, exchange *clientExchange, identity LocalIdentity) ([]byte, bool, error) {
	frame, err := reconnectFrame(identity)
	if err != nil {
		return nil, false, err
	}

	code, body, err := exchange.roundTrip(ctx, exchangeCall{
		op:        "reconnect",
		frames:    fixedFrames(frame),
		expect:    []ResponseCode{ResponseReconnectAccepted, ResponseReconnectDenied},
		resumable: true,
	})
	if err != nil {
		return nil, false, err
	}
	if code == ResponseReconnectDenied {
		return nil, false, nil
	}

	key, err := reconnectKey(identity, body)
	if err != nil {
		return nil, false, err
	}
	exchange.log.Info("reconnected")
	return key, true, nil
}

func (c *Client) register(ctx context.Context, exchange *clientExchange, name string) (LocalIdentity, error) {
	payload, err := EncodeName(name)
	if err != nil {
		return LocalIdentity{}, err
	}
	frame, err := EncodeRequest(uuid.Nil, ProtocolVersion, RequestRegister, payload)
	if err != nil {
		return LocalIdentity{}, err
	}

	_, body, err := exchange.roundTrip(ctx, exchangeCall{
		op:        "register",
		frames:    fixedFrames(frame),
		expect:    []ResponseCode{ResponseRegisterOK},
		resumable: true,
	})
	if err != nil {
		return LocalIdentity{}, err
	}
	if len(body) != ClientIDSize {
		return LocalIdentity{}, fmt.Errorf("%w: register response is %d bytes", ErrPayloadSize, len(body))
	}
	id, _ := DecodeClientID(body)

	privateKey, publicKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return LocalIdentity{}, err
	}
	identity := LocalIdentity{Name: name, ClientID: id, PrivateKey: privateKey}
	if c.options.OnIdentity != nil {
		if err := c.options.OnIdentity(identity); err != nil {
			return LocalIdentity{}, fmt.Errorf("persist identity: %w", err)
		}
	}
	exchange.log.WithFields(logrus.Fields{"name": name, "client": id.String()}).Info("registered")

	payload, err = PublicKeyRequest{Name: name, PublicKey: publicKey}.Marshal()
	if err != nil {
		return LocalIdentity{}, err
	}
	frame, err = EncodeRequest(id, ProtocolVersion, RequestSendPublicKey, payload)
	if err != nil {
		return LocalIdentity{}, err
	}

	// From here on a replacement connection re-identifies with a reconnect.
	exchange.identity = &identity
	_, body, err = exchange.roundTrip(ctx, exchangeCall{
		op:     "send public key",
		frames: fixedFrames(frame),
		expect: []ResponseCode{ResponseKeyExchanged},
	})
	switch {
	case errors.Is(err, errStreamReset):
		// The reconnect on the new connection already delivered a key.
		exchange.log.Info("key exchanged through reconnect")
		return identity, nil
	case err != nil:
		return LocalIdentity{}, err
	}

	response, err := UnmarshalKeyResponse(body)
	if err != nil {
		return LocalIdentity{}, err
	}
	key, err := crypto.DecryptSymmetricKey(privateKey, response.EncryptedKey)
	if err != nil {
		return LocalIdentity{}, err
	}
	exchange.identified(identity, key)
	exchange.log.WithField("fingerprint", crypto.FormatFingerprint(crypto.KeyFingerprint(publicKey))).Info("key exchanged")
	return identity, nil
}

// transfer sends the whole file until the server's checksum matches or the
// attempts run out. It returns the number of whole-file sends made.
func (c *Client) transfer(ctx context.Context, exchange *clientExchange, id uuid.UUID, fileName string, plaintext []byte, sum uint32) (int, error) {
	nameField, err := EncodeName(fileName)
	if err != nil {
		return 0, err
	}

	restarts := 0
	for attempt := 1; attempt <= MaxTransferAttempts; attempt++ {
		// Frames are rebuilt on every send: a replacement connection
		// rotates the key.
		frames := func() ([][]byte, error) {
			ciphertext, err := crypto.EncryptPayload(exchange.key, plaintext)
			if err != nil {
				return nil, err
			}
			if c.options.mutateCiphertext != nil {
				ciphertext = c.options.mutateCiphertext(attempt, ciphertext)
			}
			return c.chunkFrames(id, fileName, ciphertext, len(plaintext))
		}

		_, body, err := exchange.roundTrip(ctx, exchangeCall{
			op:        "send file",
			frames:    frames,
			expect:    []ResponseCode{ResponseFileReceived},
			resumable: true,
		})
		if err != nil {
			return attempt, err
		}
		received, err := UnmarshalFileReceivedResponse(body)
		if err != nil {
			return attempt, err
		}

		log := exchange.log.WithFields(logrus.Fields{"attempt": attempt, "local": sum, "remote": received.Checksum})
		if received.Checksum == sum {
			err := exchange.send(ctx, "confirm checksum", id, RequestCRCValid, nameField)
			if !errors.Is(err, errStreamReset) {
				return attempt, err
			}
			// The new connection knows nothing of this transfer.
			restarts++
			if restarts >= MaxOperationAttempts {
				return attempt, &OperationError{Op: "confirm checksum", Attempts: restarts, Err: err}
			}
			log.Warn("connection replaced before confirmation, sending again")
			attempt--
			continue
		}

		if attempt == MaxTransferAttempts {
			log.Warn("checksum mismatch, aborting")
			// A dropped connection fails the transfer on the server as well.
			err := exchange.send(ctx, "abort transfer", id, RequestCRCAbort, nameField)
			if err != nil && !errors.Is(err, errStreamReset) {
				return attempt, err
			}
			return attempt, fmt.Errorf("%w after %d attempts", ErrChecksumMismatch, attempt)
		}

		log.Warn("checksum mismatch, resending")
		err = exchange.send(ctx, "retry transfer", id, RequestCRCRetry, nameField)
		if err != nil && !errors.Is(err, errStreamReset) {
			return attempt, err
		}
	}
	return MaxTransferAttempts, ErrChecksumMismatch
}

// chunkFrames splits content into send-file frames. The chunk size grows when
// the configured size would need more packets than the field can count.
func (c *Client) chunkFrames(id uuid.UUID, fileName string, content []byte, origSize int) ([][]byte, error) {
	chunkSize := c.options.ChunkSize
	if minimum := (len(content) + MaxPacketCount - 1) / MaxPacketCount; chunkSize < minimum {
		chunkSize = minimum
	}
	total := (len(content) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := min(start+chunkSize, len(content))
		payload, err := FileChunk{
			ContentSize:  uint32(len(content)),
			OrigSize:     uint32(origSize),
			PacketNumber: uint16(i + 1),
			TotalPackets: uint16(total),
			FileName:     fileName,
			Content:      content[start:end],
		}.Marshal()
		if err != nil {
			return nil, err
		}
		frame, err := EncodeRequest(id, ProtocolVersion, RequestSendFile, payload)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func reconnectFrame(identity LocalIdentity) ([]byte, error) {
	payload, err := EncodeName(identity.Name)
	if err != nil {
		return nil, err
	}
	return EncodeRequest(identity.ClientID, ProtocolVersion, RequestReconnect, payload)
}

func reconnectKey(identity LocalIdentity, body []byte) ([]byte, error) {
	response, err := UnmarshalKeyResponse(body)
	if err != nil {
		return nil, err
	}
	if response.ClientID != identity.ClientID {
		return nil, fmt.Errorf("%w: reconnect returned id %s for %s", ErrProtocolViolation, response.ClientID, identity.ClientID)
	}
	return crypto.DecryptSymmetricKey(identity.PrivateKey, response.EncryptedKey)
}

// errStreamReset reports that the connection was replaced while a
// non-resumable request was in flight.
var errStreamReset = fmt.Errorf("%w: connection replaced", ErrTransport)

type exchangeCall struct {
	op     string
	frames func() ([][]byte, error)
	expect []ResponseCode
	// resumable requests are sent again on a replacement connection.
	// Requests that depend on server session state are not.
	resumable bool
}

func fixedFrames(frames ...[]byte) func() ([][]byte, error) {
	return func() ([][]byte, error) { return frames, nil }
}

// clientExchange owns the connection of one run. A connection that saw a
// transport error is never read again: it is closed and replaced, and the
// replacement re-identifies before any request is resent.
type clientExchange struct {
	address string
	options ClientOptions
	log     *logrus.Entry

	// identity is set once the server knows the client's public key.
	identity *LocalIdentity
	key      []byte

	mu          sync.Mutex
	conn        net.Conn
	interrupted bool
}

func (e *clientExchange) identified(identity LocalIdentity, key []byte) {
	e.identity = &identity
	e.key = key
}

func (e *clientExchange) open(ctx context.Context) error {
	dialer := net.Dialer{Timeout: e.options.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.address)
	if err != nil {
		return fmt.Errorf("%w: dial %q: %v", ErrTransport, e.address, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.interrupted {
		_ = conn.Close()
		return context.Canceled
	}
	e.conn = conn
	return nil
}

// drop closes the current connection after a transport error.
func (e *clientExchange) drop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

func (e *clientExchange) close() {
	e.drop()
}

func (e *clientExchange) interrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interrupted = true
	if e.conn != nil {
		_ = e.conn.SetDeadline(time.Unix(1, 0))
	}
}

// reopen dials a replacement connection and, for an identified client,
// reconnects on it to obtain the key the new session will use.
func (e *clientExchange) reopen(ctx context.Context) error {
	if err := e.open(ctx); err != nil {
		return err
	}
	if e.identity == nil {
		return nil
	}

	frame, err := reconnectFrame(*e.identity)
	if err != nil {
		return err
	}
	code, body, err := e.once([][]byte{frame})
	if err != nil {
		e.drop()
		return err
	}
	if code != ResponseReconnectAccepted {
		e.drop()
		return fmt.Errorf("%w: reconnect on replacement connection answered with %s", ErrServerFailure, code)
	}
	key, err := reconnectKey(*e.identity, body)
	if err != nil {
		e.drop()
		return err
	}
	e.key = key
	e.log.Info("connection replaced")
	return nil
}

// send issues a request whose only valid answer is an acknowledgement. It
// depends on the transfer held by the server session, so it is not resumable.
func (e *clientExchange) send(ctx context.Context, op string, id uuid.UUID, code RequestCode, payload []byte) error {
	frame, err := EncodeRequest(id, ProtocolVersion, code, payload)
	if err != nil {
		return err
	}
	_, _, err = e.roundTrip(ctx, exchangeCall{
		op:     op,
		frames: fixedFrames(frame),
		expect: []ResponseCode{ResponseAck},
	})
	return err
}

// roundTrip writes the call's frames and reads one response. Failure codes
// are retried on the same connection when the stream is still in step:
// a single-frame request gets exactly one answer. Transport errors and
// failed batches replace the connection first.
func (e *clientExchange) roundTrip(ctx context.Context, call exchangeCall) (ResponseCode, []byte, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxOperationAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}

		if e.conn == nil {
			if err := e.reopen(ctx); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return 0, nil, ctxErr
				}
				lastErr = err
				e.log.WithError(err).WithFields(logrus.Fields{"op": call.op, "attempt": attempt}).Warn("reconnect failed")
				continue
			}
			if !call.resumable {
				return 0, nil, fmt.Errorf("%w during %s", errStreamReset, call.op)
			}
		}

		frames, err := call.frames()
		if err != nil {
			return 0, nil, err
		}
		code, payload, err := e.once(frames)
		if err == nil {
			if slices.Contains(call.expect, code) {
				return code, payload, nil
			}
			err = fmt.Errorf("%w: %s answered with %s", ErrServerFailure, call.op, code)
			if len(frames) > 1 {
				e.drop()
			}
		} else {
			e.drop()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}

		lastErr = err
		e.log.WithError(err).WithFields(logrus.Fields{"op": call.op, "attempt": attempt}).Warn("exchange failed")
	}
	return 0, nil, &OperationError{Op: call.op, Attempts: MaxOperationAttempts, Err: lastErr}
}

func (e *clientExchange) once(frames [][]byte) (ResponseCode, []byte, error) {
	conn := e.conn
	for _, frame := range frames {
		if e.options.IOTimeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(e.options.IOTimeout)); err != nil {
				return 0, nil, fmt.Errorf("%w: set write deadline: %v", ErrTransport, err)
			}
		}
		if _, err := conn.Write(frame); err != nil {
			return 0, nil, fmt.Errorf("%w: write request: %v", ErrTransport, err)
		}
	}

	clearDeadline, err := setReadTimeout(conn, e.options.IOTimeout)
	if err != nil {
		return 0, nil, err
	}
	defer clearDeadline()

	header, payload, err := ReadResponse(conn, e.options.MaxPayloadSize)
	if err != nil {
		return 0, nil, err
	}
	return header.Code, payload, nil
}

// ClassifyError maps a run error to the kind reported to collaborators.
func ClassifyError(err error) models.ErrorKind {
	var netErr net.Error
	switch {
	case err == nil:
		return models.ErrorKindNone
	case errors.Is(err, ErrChecksumMismatch):
		return models.ErrorKindChecksumMismatch
	case errors.Is(err, ErrServerFailure):
		return models.ErrorKindServer
	case errors.Is(err, crypto.ErrCrypto):
		return models.ErrorKindCrypto
	case errors.Is(err, ErrProtocolViolation):
		return models.ErrorKindProtocolViolation
	case errors.Is(err, ErrTransport),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return models.ErrorKindTransport
	default:
		return models.ErrorKindLocal
	}
}
