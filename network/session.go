package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"securebackup/crypto"
	"securebackup/models"
	"securebackup/registry"
)

// SessionState is the lifecycle state of one client connection.
type SessionState string

const (
	SessionIdentifying  SessionState = "IDENTIFYING"
	SessionRegistering  SessionState = "REGISTERING"
	SessionReconnecting SessionState = "RECONNECTING"
	SessionKeyExchanged SessionState = "KEY_EXCHANGED"
	SessionTransferring SessionState = "TRANSFERRING"
	SessionDone         SessionState = "DONE"
)

// Response is one outbound server message.
type Response struct {
	Code    ResponseCode
	Payload []byte
}

func errorResponse() *Response {
	return &Response{Code: ResponseServerError}
}

func idResponse(code ResponseCode, id uuid.UUID) *Response {
	return &Response{Code: code, Payload: append([]byte(nil), id[:]...)}
}

// ClientSession runs the server side of the protocol for one connection.
// It is owned by a single goroutine and shares only the registry.
type ClientSession struct {
	registry *registry.Registry
	options  ServerOptions
	log      *logrus.Entry

	state     SessionState
	client    registry.Client
	transfers map[string]*TransferSession
	// rejected holds files whose current chunk batch already got an error
	// response. The rest of that batch is dropped without a reply.
	rejected map[string]bool
}

// NewClientSession creates a session in the IDENTIFYING state.
func NewClientSession(reg *registry.Registry, options ServerOptions, log *logrus.Entry) *ClientSession {
	opts := options.withDefaults()
	if log == nil {
		log = logrus.NewEntry(opts.Logger)
	}
	return &ClientSession{
		registry:  reg,
		options:   opts,
		log:       log,
		state:     SessionIdentifying,
		transfers: make(map[string]*TransferSession),
		rejected:  make(map[string]bool),
	}
}

// State returns the current session state.
func (s *ClientSession) State() SessionState {
	return s.state
}

// ClientID returns the identified client id, or uuid.Nil.
func (s *ClientSession) ClientID() uuid.UUID {
	return s.client.ID
}

// Serve reads requests from conn until it fails or closes.
func (s *ClientSession) Serve(conn net.Conn) error {
	defer s.Close()

	for {
		clearDeadline, err := setReadTimeout(conn, s.options.IdleTimeout)
		if err != nil {
			return err
		}
		header, payload, err := ReadRequest(conn, s.options.MaxPayloadSize)
		clearDeadline()
		if err != nil {
			if errors.Is(err, ErrPayloadTooLarge) {
				// The stream cannot be resynchronized without reading the payload.
				s.log.WithFields(logrus.Fields{"code": header.Code, "size": header.PayloadSize}).Warn("rejecting oversized request")
				_ = WriteResponse(conn, ResponseServerError, nil)
			}
			return err
		}

		response := s.Handle(header, payload)
		if response == nil {
			continue
		}
		if err := WriteResponse(conn, response.Code, response.Payload); err != nil {
			return err
		}
	}
}

// Close ends the session and fails every unfinished transfer.
func (s *ClientSession) Close() {
	for name, transfer := range s.transfers {
		if !transfer.Done() {
			transfer.Abort()
			s.emitStored(name, transfer, "", false)
		}
		delete(s.transfers, name)
	}
	s.state = SessionDone
}

// Handle processes one request and returns the response to send, if any.
// Protocol violations are logged and answered with a generic error.
func (s *ClientSession) Handle(header RequestHeader, payload []byte) *Response {
	log := s.log.WithFields(logrus.Fields{"code": header.Code, "state": s.state})

	response, err := s.dispatch(header, payload)
	if err != nil {
		switch {
		case errors.Is(err, ErrProtocolViolation):
			log.WithError(err).Warn("dropping invalid request")
		case errors.Is(err, crypto.ErrCrypto):
			log.WithError(err).Error("crypto failure")
		default:
			log.WithError(err).Error("request failed")
		}
		return errorResponse()
	}
	return response
}

func (s *ClientSession) dispatch(header RequestHeader, payload []byte) (*Response, error) {
	switch header.Code {
	case RequestRegister:
		return s.handleRegister(payload)
	case RequestReconnect:
		return s.handleReconnect(payload)
	}

	if s.state == SessionIdentifying {
		return nil, fmt.Errorf("%w: %s before identification", ErrUnexpectedMessage, header.Code)
	}
	if header.ClientID != s.client.ID {
		return nil, fmt.Errorf("%w: client id %s does not match session", ErrProtocolViolation, header.ClientID)
	}

	switch header.Code {
	case RequestSendPublicKey:
		return s.handlePublicKey(payload)
	case RequestSendFile:
		return s.handleFileChunk(payload)
	case RequestCRCValid:
		return s.handleCRCValid(payload)
	case RequestCRCRetry:
		return s.handleCRCRetry(payload)
	case RequestCRCAbort:
		return s.handleCRCAbort(payload)
	default:
		return nil, fmt.Errorf("%w: unknown request code %d", ErrProtocolViolation, uint16(header.Code))
	}
}

func (s *ClientSession) handleRegister(payload []byte) (*Response, error) {
	if s.state != SessionIdentifying {
		return nil, fmt.Errorf("%w: register in state %s", ErrUnexpectedMessage, s.state)
	}
	name, err := DecodeName(payload)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidString)
	}

	client, err := s.registry.Register(name)
	if err != nil {
		if errors.Is(err, registry.ErrNameTaken) {
			s.log.WithField("name", name).Info("registration refused")
			return &Response{Code: ResponseRegisterFailed}, nil
		}
		return nil, err
	}

	s.identify(client, SessionRegistering)
	s.log.Info("client registered")
	return idResponse(ResponseRegisterOK, client.ID), nil
}

func (s *ClientSession) handleReconnect(payload []byte) (*Response, error) {
	if s.state != SessionIdentifying {
		return nil, fmt.Errorf("%w: reconnect in state %s", ErrUnexpectedMessage, s.state)
	}
	name, err := DecodeName(payload)
	if err != nil {
		return nil, err
	}

	client, ok := s.registry.LookupByName(name)
	if !ok || !client.HasPublicKey() {
		s.log.WithField("name", name).Info("reconnect denied")
		return idResponse(ResponseReconnectDenied, uuid.Nil), nil
	}

	s.state = SessionReconnecting
	encrypted, updated, err := s.rotateKey(client.ID, client.PublicKey, false)
	if err != nil {
		s.state = SessionIdentifying
		return nil, err
	}

	s.identify(updated, SessionKeyExchanged)
	s.log.Info("client reconnected")
	return &Response{
		Code:    ResponseReconnectAccepted,
		Payload: KeyResponse{ClientID: updated.ID, EncryptedKey: encrypted}.Marshal(),
	}, nil
}

func (s *ClientSession) handlePublicKey(payload []byte) (*Response, error) {
	request, err := UnmarshalPublicKeyRequest(payload)
	if err != nil {
		return nil, err
	}
	if request.Name != s.client.Name {
		return nil, fmt.Errorf("%w: public key for %q on session of %q", ErrProtocolViolation, request.Name, s.client.Name)
	}
	if s.state == SessionTransferring {
		return nil, fmt.Errorf("%w: key exchange during transfer", ErrUnexpectedMessage)
	}

	encrypted, updated, err := s.rotateKey(s.client.ID, request.PublicKey, true)
	if err != nil {
		return nil, err
	}

	s.client = updated
	s.state = SessionKeyExchanged
	s.log.WithField("fingerprint", crypto.KeyFingerprint(request.PublicKey)).Info("public key stored")
	return &Response{
		Code:    ResponseKeyExchanged,
		Payload: KeyResponse{ClientID: updated.ID, EncryptedKey: encrypted}.Marshal(),
	}, nil
}

// rotateKey generates a fresh symmetric key, stores it and returns it wrapped
// under publicKey. storePublicKey also replaces the stored public key.
func (s *ClientSession) rotateKey(id uuid.UUID, publicKey []byte, storePublicKey bool) ([]byte, registry.Client, error) {
	key, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, registry.Client{}, err
	}
	encrypted, err := crypto.EncryptSymmetricKey(publicKey, key)
	if err != nil {
		return nil, registry.Client{}, err
	}

	var stored []byte
	if storePublicKey {
		stored = publicKey
	}
	updated, err := s.registry.UpdateKeys(id, stored, key)
	if err != nil {
		return nil, registry.Client{}, err
	}
	return encrypted, updated, nil
}

func (s *ClientSession) identify(client registry.Client, state SessionState) {
	s.client = client
	s.state = state
	s.log = s.log.WithFields(logrus.Fields{"client": client.ID.String(), "name": client.Name})

	if s.options.OnClientSeen != nil {
		s.options.OnClientSeen(models.ClientSeen{
			ClientID: client.ID.String(),
			Name:     client.Name,
			LastSeen: client.LastSeen.UnixMilli(),
		})
	}
}

func (s *ClientSession) handleFileChunk(payload []byte) (*Response, error) {
	if s.state != SessionKeyExchanged && s.state != SessionTransferring {
		return nil, fmt.Errorf("%w: file chunk before key exchange", ErrUnexpectedMessage)
	}
	chunk, err := UnmarshalFileChunk(payload)
	if err != nil {
		return nil, err
	}

	if chunk.PacketNumber == 1 {
		delete(s.rejected, chunk.FileName)
	} else if s.rejected[chunk.FileName] {
		if chunk.PacketNumber >= chunk.TotalPackets {
			delete(s.rejected, chunk.FileName)
		}
		s.log.WithFields(logrus.Fields{"file": chunk.FileName, "packet": chunk.PacketNumber}).Debug("dropping chunk of rejected batch")
		return nil, nil
	}

	response, err := s.acceptChunk(chunk)
	if err != nil && chunk.PacketNumber < chunk.TotalPackets {
		s.rejected[chunk.FileName] = true
	}
	return response, err
}

func (s *ClientSession) acceptChunk(chunk FileChunk) (*Response, error) {
	if err := validateFileName(chunk.FileName); err != nil {
		return nil, err
	}
	if s.options.MaxFileSize > 0 && chunk.ContentSize > s.options.MaxFileSize {
		return nil, fmt.Errorf("%w: content size %d exceeds limit %d", ErrInvalidPacket, chunk.ContentSize, s.options.MaxFileSize)
	}

	transfer := s.transfers[chunk.FileName]
	if transfer == nil || transfer.Done() {
		transfer = NewTransferSession(chunk.FileName, s.client.SymmetricKey)
		s.transfers[chunk.FileName] = transfer
	}
	s.state = SessionTransferring

	complete, err := transfer.AddChunk(chunk)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, nil
	}

	s.log.WithFields(logrus.Fields{
		"file":     chunk.FileName,
		"attempt":  transfer.Attempt(),
		"checksum": transfer.Checksum(),
	}).Info("file received")

	body, err := FileReceivedResponse{
		ClientID:    s.client.ID,
		ContentSize: transfer.ContentSize(),
		FileName:    chunk.FileName,
		Checksum:    transfer.Checksum(),
	}.Marshal()
	if err != nil {
		return nil, err
	}
	return &Response{Code: ResponseFileReceived, Payload: body}, nil
}

func (s *ClientSession) pendingTransfer(payload []byte) (string, *TransferSession, error) {
	name, err := DecodeName(payload)
	if err != nil {
		return "", nil, err
	}
	transfer := s.transfers[name]
	if transfer == nil || transfer.Done() {
		return name, nil, fmt.Errorf("%w: no transfer in progress for %q", ErrUnexpectedMessage, name)
	}
	return name, transfer, nil
}

func (s *ClientSession) handleCRCValid(payload []byte) (*Response, error) {
	name, transfer, err := s.pendingTransfer(payload)
	if err != nil {
		return nil, err
	}
	plaintext, err := transfer.Confirm()
	if err != nil {
		return nil, err
	}

	path, err := s.storeFile(name, plaintext)
	if err != nil {
		delete(s.transfers, name)
		s.emitStored(name, transfer, "", false)
		s.finishTransfer()
		return nil, err
	}

	delete(s.transfers, name)
	if _, err := s.registry.Touch(s.client.ID); err != nil {
		s.log.WithError(err).Warn("record client activity")
	}
	s.emitStoredSize(name, transfer, path, true, int64(len(plaintext)))
	s.finishTransfer()
	s.log.WithFields(logrus.Fields{"file": name, "path": path}).Info("file verified")
	return idResponse(ResponseAck, s.client.ID), nil
}

func (s *ClientSession) handleCRCRetry(payload []byte) (*Response, error) {
	name, transfer, err := s.pendingTransfer(payload)
	if err != nil {
		return nil, err
	}
	state, err := transfer.Retry()
	if err != nil {
		return nil, err
	}

	if state == TransferAborted {
		delete(s.transfers, name)
		s.emitStored(name, transfer, "", false)
		s.finishTransfer()
		return nil, fmt.Errorf("%w: retry requested after %d attempts for %q", ErrProtocolViolation, MaxTransferAttempts, name)
	}

	s.log.WithFields(logrus.Fields{"file": name, "attempt": transfer.Attempt()}).Warn("checksum mismatch, awaiting resend")
	return idResponse(ResponseAck, s.client.ID), nil
}

func (s *ClientSession) handleCRCAbort(payload []byte) (*Response, error) {
	name, transfer, err := s.pendingTransfer(payload)
	if err != nil {
		return nil, err
	}
	transfer.Abort()
	delete(s.transfers, name)
	s.emitStored(name, transfer, "", false)
	s.finishTransfer()

	s.log.WithFields(logrus.Fields{"file": name, "attempt": transfer.Attempt()}).Warn("transfer aborted by client")
	return idResponse(ResponseAck, s.client.ID), nil
}

func (s *ClientSession) finishTransfer() {
	if len(s.transfers) == 0 && s.state == SessionTransferring {
		s.state = SessionKeyExchanged
	}
}

func (s *ClientSession) emitStored(name string, transfer *TransferSession, path string, verified bool) {
	s.emitStoredSize(name, transfer, path, verified, 0)
}

func (s *ClientSession) emitStoredSize(name string, transfer *TransferSession, path string, verified bool, size int64) {
	if s.options.OnFileStored == nil {
		return
	}
	s.options.OnFileStored(models.StoredFile{
		ClientID:  s.client.ID.String(),
		FileName:  name,
		Path:      path,
		Checksum:  transfer.Checksum(),
		Size:      size,
		Verified:  verified,
		Timestamp: time.Now().UnixMilli(),
	})
}

// storeFile writes a verified file under FilesDir/<client id>/<name>.
func (s *ClientSession) storeFile(name string, data []byte) (string, error) {
	if s.options.FilesDir == "" {
		return "", nil
	}

	dir := filepath.Join(s.options.FilesDir, strings.ReplaceAll(s.client.ID.String(), "-", ""))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create client directory: %w", err)
	}

	finalPath := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, "."+name+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("finalize file: %w", err)
	}
	return finalPath, nil
}

// validateFileName accepts plain base names only.
func validateFileName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: invalid file name %q", ErrInvalidString, name)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: file name %q contains a path separator", ErrInvalidString, name)
	}
	return nil
}
