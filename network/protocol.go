package network

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"securebackup/crypto"
)

const (
	// ProtocolVersion is the version byte written in every header.
	ProtocolVersion = 3
	// RequestHeaderSize is client_id(16) + version(1) + code(2) + payload_size(4).
	RequestHeaderSize = 23
	// ResponseHeaderSize is version(1) + code(2) + payload_size(4).
	ResponseHeaderSize = 7
	// ClientIDSize is the size of the opaque client identifier.
	ClientIDSize = 16
	// NameSize is the fixed size of name and filename fields.
	NameSize = 255
	// ChecksumSize is the size of the checksum field.
	ChecksumSize = 4
	// FileChunkHeaderSize is the fixed prefix of a file chunk payload.
	FileChunkHeaderSize = 4 + 4 + 2 + 2 + NameSize
	// MaxPacketCount is the largest total_packets value the field can carry.
	MaxPacketCount = 0xFFFF
	// DefaultMaxPayloadSize bounds the payload size accepted from a header (10 MB).
	DefaultMaxPayloadSize = 10 * 1024 * 1024
	// DefaultChunkSize is the ciphertext carried by one file chunk.
	DefaultChunkSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial duration.
	DefaultConnectionTimeout = 30 * time.Second
)

// RequestCode identifies a client request.
type RequestCode uint16

const (
	RequestRegister      RequestCode = 1025
	RequestSendPublicKey RequestCode = 1026
	RequestReconnect     RequestCode = 1027
	RequestSendFile      RequestCode = 1028
	RequestCRCValid      RequestCode = 1029
	RequestCRCRetry      RequestCode = 1030
	RequestCRCAbort      RequestCode = 1031
)

// ResponseCode identifies a server response.
type ResponseCode uint16

const (
	ResponseRegisterOK        ResponseCode = 1600
	ResponseRegisterFailed    ResponseCode = 1601
	ResponseKeyExchanged      ResponseCode = 1602
	ResponseFileReceived      ResponseCode = 1603
	ResponseAck               ResponseCode = 1604
	ResponseReconnectAccepted ResponseCode = 1605
	ResponseReconnectDenied   ResponseCode = 1606
	ResponseServerError       ResponseCode = 1607
)

var (
	// ErrProtocolViolation is the parent of every malformed-message error.
	ErrProtocolViolation = errors.New("network: protocol violation")
	// ErrPayloadTooLarge indicates a declared payload size above the limit.
	ErrPayloadTooLarge = fmt.Errorf("%w: payload exceeds max size", ErrProtocolViolation)
	// ErrPayloadSize indicates a payload whose length does not fit its code.
	ErrPayloadSize = fmt.Errorf("%w: unexpected payload size", ErrProtocolViolation)
	// ErrShortHeader indicates a header buffer of the wrong length.
	ErrShortHeader = fmt.Errorf("%w: short header", ErrProtocolViolation)
	// ErrStringTooLong indicates a string that does not fit its field with a terminator.
	ErrStringTooLong = fmt.Errorf("%w: string too long for field", ErrProtocolViolation)
	// ErrInvalidString indicates a non-printable or unterminated string field.
	ErrInvalidString = fmt.Errorf("%w: invalid string field", ErrProtocolViolation)
	// ErrTransport wraps socket failures.
	ErrTransport = errors.New("network: transport failure")
)

func (c RequestCode) String() string {
	switch c {
	case RequestRegister:
		return "register"
	case RequestSendPublicKey:
		return "send_public_key"
	case RequestReconnect:
		return "reconnect"
	case RequestSendFile:
		return "send_file"
	case RequestCRCValid:
		return "crc_valid"
	case RequestCRCRetry:
		return "crc_retry"
	case RequestCRCAbort:
		return "crc_abort"
	default:
		return fmt.Sprintf("request(%d)", uint16(c))
	}
}

func (c ResponseCode) String() string {
	switch c {
	case ResponseRegisterOK:
		return "register_ok"
	case ResponseRegisterFailed:
		return "register_failed"
	case ResponseKeyExchanged:
		return "key_exchanged"
	case ResponseFileReceived:
		return "file_received"
	case ResponseAck:
		return "ack"
	case ResponseReconnectAccepted:
		return "reconnect_accepted"
	case ResponseReconnectDenied:
		return "reconnect_denied"
	case ResponseServerError:
		return "server_error"
	default:
		return fmt.Sprintf("response(%d)", uint16(c))
	}
}

// RequestHeader is the fixed prefix of every request.
type RequestHeader struct {
	ClientID    uuid.UUID
	Version     uint8
	Code        RequestCode
	PayloadSize uint32
}

// ResponseHeader is the fixed prefix of every response.
type ResponseHeader struct {
	Version     uint8
	Code        ResponseCode
	PayloadSize uint32
}

// EncodeRequest builds a complete request frame.
func EncodeRequest(id uuid.UUID, version uint8, code RequestCode, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > 0xFFFFFFFF {
		return nil, ErrPayloadTooLarge
	}

	frame := make([]byte, RequestHeaderSize+len(payload))
	copy(frame[0:16], id[:])
	frame[16] = version
	binary.LittleEndian.PutUint16(frame[17:19], uint16(code))
	binary.LittleEndian.PutUint32(frame[19:23], uint32(len(payload)))
	copy(frame[RequestHeaderSize:], payload)
	return frame, nil
}

// DecodeRequestHeader parses a request header. A maxPayload of 0 disables the size check.
func DecodeRequestHeader(b []byte, maxPayload uint32) (RequestHeader, error) {
	if len(b) != RequestHeaderSize {
		return RequestHeader{}, ErrShortHeader
	}

	var header RequestHeader
	copy(header.ClientID[:], b[0:16])
	header.Version = b[16]
	header.Code = RequestCode(binary.LittleEndian.Uint16(b[17:19]))
	header.PayloadSize = binary.LittleEndian.Uint32(b[19:23])

	if maxPayload > 0 && header.PayloadSize > maxPayload {
		return header, ErrPayloadTooLarge
	}
	return header, nil
}

// EncodeResponse builds a complete response frame.
func EncodeResponse(version uint8, code ResponseCode, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > 0xFFFFFFFF {
		return nil, ErrPayloadTooLarge
	}

	frame := make([]byte, ResponseHeaderSize+len(payload))
	frame[0] = version
	binary.LittleEndian.PutUint16(frame[1:3], uint16(code))
	binary.LittleEndian.PutUint32(frame[3:7], uint32(len(payload)))
	copy(frame[ResponseHeaderSize:], payload)
	return frame, nil
}

// DecodeResponseHeader parses a response header. A maxPayload of 0 disables the size check.
func DecodeResponseHeader(b []byte, maxPayload uint32) (ResponseHeader, error) {
	if len(b) != ResponseHeaderSize {
		return ResponseHeader{}, ErrShortHeader
	}

	header := ResponseHeader{
		Version:     b[0],
		Code:        ResponseCode(binary.LittleEndian.Uint16(b[1:3])),
		PayloadSize: binary.LittleEndian.Uint32(b[3:7]),
	}
	if maxPayload > 0 && header.PayloadSize > maxPayload {
		return header, ErrPayloadTooLarge
	}
	return header, nil
}

// WriteRequest writes one request frame.
func WriteRequest(w io.Writer, id uuid.UUID, code RequestCode, payload []byte) error {
	frame, err := EncodeRequest(id, ProtocolVersion, code, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: write %s request: %v", ErrTransport, code, err)
	}
	return nil
}

// ReadRequest reads one request frame. The payload is not read when the
// header declares more than maxPayload bytes.
func ReadRequest(r io.Reader, maxPayload uint32) (RequestHeader, []byte, error) {
	raw := make([]byte, RequestHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return RequestHeader{}, nil, fmt.Errorf("%w: read request header: %w", ErrTransport, err)
	}

	header, err := DecodeRequestHeader(raw, maxPayload)
	if err != nil {
		return header, nil, err
	}

	payload := make([]byte, int(header.PayloadSize))
	if _, err := io.ReadFull(r, payload); err != nil {
		return header, nil, fmt.Errorf("%w: read request payload: %w", ErrTransport, err)
	}
	return header, payload, nil
}

// WriteResponse writes one response frame.
func WriteResponse(w io.Writer, code ResponseCode, payload []byte) error {
	frame, err := EncodeResponse(ProtocolVersion, code, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: write %s response: %v", ErrTransport, code, err)
	}
	return nil
}

// ReadResponse reads one response frame.
func ReadResponse(r io.Reader, maxPayload uint32) (ResponseHeader, []byte, error) {
	raw := make([]byte, ResponseHeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return ResponseHeader{}, nil, fmt.Errorf("%w: read response header: %w", ErrTransport, err)
	}

	header, err := DecodeResponseHeader(raw, maxPayload)
	if err != nil {
		return header, nil, err
	}

	payload := make([]byte, int(header.PayloadSize))
	if _, err := io.ReadFull(r, payload); err != nil {
		return header, nil, fmt.Errorf("%w: read response payload: %w", ErrTransport, err)
	}
	return header, payload, nil
}

// setReadTimeout arms a read deadline when timeout is positive and returns
// the function that clears it.
func setReadTimeout(conn net.Conn, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		return func() {}, nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("%w: set read deadline: %v", ErrTransport, err)
	}
	return func() {
		_ = conn.SetReadDeadline(time.Time{})
	}, nil
}

// EncodeString returns s as a NUL-terminated, zero-padded field of size bytes.
func EncodeString(s string, size int) ([]byte, error) {
	if len(s) > size-1 {
		return nil, fmt.Errorf("%w: %d bytes for a %d-byte field", ErrStringTooLong, len(s), size)
	}
	if err := validatePrintable(s); err != nil {
		return nil, err
	}

	field := make([]byte, size)
	copy(field, s)
	return field, nil
}

// DecodeString reads a NUL-terminated field. Bytes after the terminator are ignored.
func DecodeString(field []byte) (string, error) {
	end := bytes.IndexByte(field, 0)
	if end < 0 {
		return "", fmt.Errorf("%w: missing terminator", ErrInvalidString)
	}

	s := string(field[:end])
	if err := validatePrintable(s); err != nil {
		return "", err
	}
	return s, nil
}

func validatePrintable(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return fmt.Errorf("%w: byte %#02x at offset %d", ErrInvalidString, s[i], i)
		}
	}
	return nil
}

// EncodeName encodes a name or filename field.
func EncodeName(name string) ([]byte, error) {
	return EncodeString(name, NameSize)
}

// DecodeName decodes a payload that consists of exactly one name field.
func DecodeName(payload []byte) (string, error) {
	if len(payload) != NameSize {
		return "", fmt.Errorf("%w: got %d bytes want %d", ErrPayloadSize, len(payload), NameSize)
	}
	return DecodeString(payload)
}

// DecodeClientID decodes a payload that starts with a client id.
func DecodeClientID(payload []byte) (uuid.UUID, error) {
	if len(payload) < ClientIDSize {
		return uuid.Nil, fmt.Errorf("%w: got %d bytes want at least %d", ErrPayloadSize, len(payload), ClientIDSize)
	}
	var id uuid.UUID
	copy(id[:], payload[:ClientIDSize])
	return id, nil
}

// PublicKeyRequest is the payload of RequestSendPublicKey.
type PublicKeyRequest struct {
	Name      string
	PublicKey []byte
}

// Marshal encodes the request payload.
func (p PublicKeyRequest) Marshal() ([]byte, error) {
	if len(p.PublicKey) != crypto.PublicKeySize {
		return nil, fmt.Errorf("%w: public key is %d bytes want %d", ErrPayloadSize, len(p.PublicKey), crypto.PublicKeySize)
	}
	name, err := EncodeName(p.Name)
	if err != nil {
		return nil, err
	}
	return append(name, p.PublicKey...), nil
}

// UnmarshalPublicKeyRequest decodes a RequestSendPublicKey payload.
func UnmarshalPublicKeyRequest(payload []byte) (PublicKeyRequest, error) {
	if len(payload) != NameSize+crypto.PublicKeySize {
		return PublicKeyRequest{}, fmt.Errorf("%w: got %d bytes want %d", ErrPayloadSize, len(payload), NameSize+crypto.PublicKeySize)
	}
	name, err := DecodeString(payload[:NameSize])
	if err != nil {
		return PublicKeyRequest{}, err
	}
	return PublicKeyRequest{
		Name:      name,
		PublicKey: bytes.Clone(payload[NameSize:]),
	}, nil
}

// FileChunk is the payload of RequestSendFile.
type FileChunk struct {
	ContentSize  uint32
	OrigSize     uint32
	PacketNumber uint16
	TotalPackets uint16
	FileName     string
	Content      []byte
}

// Marshal encodes the chunk payload.
func (c FileChunk) Marshal() ([]byte, error) {
	name, err := EncodeName(c.FileName)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, FileChunkHeaderSize, FileChunkHeaderSize+len(c.Content))
	binary.LittleEndian.PutUint32(payload[0:4], c.ContentSize)
	binary.LittleEndian.PutUint32(payload[4:8], c.OrigSize)
	binary.LittleEndian.PutUint16(payload[8:10], c.PacketNumber)
	binary.LittleEndian.PutUint16(payload[10:12], c.TotalPackets)
	copy(payload[12:FileChunkHeaderSize], name)
	return append(payload, c.Content...), nil
}

// UnmarshalFileChunk decodes a RequestSendFile payload.
func UnmarshalFileChunk(payload []byte) (FileChunk, error) {
	if len(payload) < FileChunkHeaderSize {
		return FileChunk{}, fmt.Errorf("%w: got %d bytes want at least %d", ErrPayloadSize, len(payload), FileChunkHeaderSize)
	}
	name, err := DecodeString(payload[12:FileChunkHeaderSize])
	if err != nil {
		return FileChunk{}, err
	}
	return FileChunk{
		ContentSize:  binary.LittleEndian.Uint32(payload[0:4]),
		OrigSize:     binary.LittleEndian.Uint32(payload[4:8]),
		PacketNumber: binary.LittleEndian.Uint16(payload[8:10]),
		TotalPackets: binary.LittleEndian.Uint16(payload[10:12]),
		FileName:     name,
		Content:      bytes.Clone(payload[FileChunkHeaderSize:]),
	}, nil
}

// KeyResponse is the payload of ResponseKeyExchanged and ResponseReconnectAccepted.
type KeyResponse struct {
	ClientID     uuid.UUID
	EncryptedKey []byte
}

// Marshal encodes the response payload.
func (k KeyResponse) Marshal() []byte {
	payload := make([]byte, 0, ClientIDSize+len(k.EncryptedKey))
	payload = append(payload, k.ClientID[:]...)
	return append(payload, k.EncryptedKey...)
}

// UnmarshalKeyResponse decodes a key-carrying response payload.
func UnmarshalKeyResponse(payload []byte) (KeyResponse, error) {
	if len(payload) != ClientIDSize+crypto.EncryptedKeySize {
		return KeyResponse{}, fmt.Errorf("%w: got %d bytes want %d", ErrPayloadSize, len(payload), ClientIDSize+crypto.EncryptedKeySize)
	}
	id, _ := DecodeClientID(payload)
	return KeyResponse{
		ClientID:     id,
		EncryptedKey: bytes.Clone(payload[ClientIDSize:]),
	}, nil
}

// FileReceivedResponse is the payload of ResponseFileReceived.
type FileReceivedResponse struct {
	ClientID    uuid.UUID
	ContentSize uint32
	FileName    string
	Checksum    uint32
}

// FileReceivedResponseSize is the fixed payload size of ResponseFileReceived.
const FileReceivedResponseSize = ClientIDSize + 4 + NameSize + ChecksumSize

// Marshal encodes the response payload.
func (f FileReceivedResponse) Marshal() ([]byte, error) {
	name, err := EncodeName(f.FileName)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, FileReceivedResponseSize)
	copy(payload[0:ClientIDSize], f.ClientID[:])
	binary.LittleEndian.PutUint32(payload[16:20], f.ContentSize)
	copy(payload[20:20+NameSize], name)
	binary.LittleEndian.PutUint32(payload[20+NameSize:], f.Checksum)
	return payload, nil
}

// UnmarshalFileReceivedResponse decodes a ResponseFileReceived payload.
func UnmarshalFileReceivedResponse(payload []byte) (FileReceivedResponse, error) {
	if len(payload) != FileReceivedResponseSize {
		return FileReceivedResponse{}, fmt.Errorf("%w: got %d bytes want %d", ErrPayloadSize, len(payload), FileReceivedResponseSize)
	}
	name, err := DecodeString(payload[20 : 20+NameSize])
	if err != nil {
		return FileReceivedResponse{}, err
	}
	id, _ := DecodeClientID(payload)
	return FileReceivedResponse{
		ClientID:    id,
		ContentSize: binary.LittleEndian.Uint32(payload[16:20]),
		FileName:    name,
		Checksum:    binary.LittleEndian.Uint32(payload[20+NameSize:]),
	}, nil
}
