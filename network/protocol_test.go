package network

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestHeaderRoundTrip(t *testing.T) {
	id := uuid.New()
	for _, payload := range [][]byte{nil, []byte("x"), bytes.Repeat([]byte{0xab}, 4096)} {
		frame, err := EncodeRequest(id, ProtocolVersion, RequestSendFile, payload)
		if err != nil {
			t.Fatalf("EncodeRequest failed: %v", err)
		}
		if len(frame) != RequestHeaderSize+len(payload) {
			t.Fatalf("unexpected frame length %d", len(frame))
		}

		header, err := DecodeRequestHeader(frame[:RequestHeaderSize], 0)
		if err != nil {
			t.Fatalf("DecodeRequestHeader failed: %v", err)
		}
		want := RequestHeader{ClientID: id, Version: ProtocolVersion, Code: RequestSendFile, PayloadSize: uint32(len(payload))}
		if header != want {
			t.Fatalf("header mismatch: got %+v want %+v", header, want)
		}
	}
}

func TestRequestHeaderLayoutIsLittleEndian(t *testing.T) {
	var id uuid.UUID
	for i := range id {
		id[i] = byte(i)
	}
	frame, err := EncodeRequest(id, 3, RequestRegister, make([]byte, NameSize))
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}

	wantHeader := append(append([]byte(nil), id[:]...), 3, 0x01, 0x04, 0xff, 0x00, 0x00, 0x00)
	if !bytes.Equal(frame[:RequestHeaderSize], wantHeader) {
		t.Fatalf("unexpected header bytes %x", frame[:RequestHeaderSize])
	}
}

func TestResponseHeaderRoundTrip(t *testing.T) {
	frame, err := EncodeResponse(ProtocolVersion, ResponseFileReceived, make([]byte, FileReceivedResponseSize))
	if err != nil {
		t.Fatalf("EncodeResponse failed: %v", err)
	}
	if !bytes.Equal(frame[:ResponseHeaderSize], []byte{3, 0x43, 0x06, 0x17, 0x01, 0x00, 0x00}) {
		t.Fatalf("unexpected header bytes %x", frame[:ResponseHeaderSize])
	}

	header, err := DecodeResponseHeader(frame[:ResponseHeaderSize], 0)
	if err != nil {
		t.Fatalf("DecodeResponseHeader failed: %v", err)
	}
	if header.Code != ResponseFileReceived || header.PayloadSize != FileReceivedResponseSize {
		t.Fatalf("unexpected header %+v", header)
	}
}

func TestDecodeHeaderRejectsOversizedPayload(t *testing.T) {
	frame, err := EncodeRequest(uuid.Nil, ProtocolVersion, RequestSendFile, make([]byte, 1025))
	if err != nil {
		t.Fatalf("EncodeRequest failed: %v", err)
	}
	if _, err := DecodeRequestHeader(frame[:RequestHeaderSize], 1024); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if !errors.Is(ErrPayloadTooLarge, ErrProtocolViolation) {
		t.Fatalf("expected ErrPayloadTooLarge to be a protocol violation")
	}

	// The payload must not be consumed when the header is rejected.
	reader := bytes.NewReader(frame)
	if _, _, err := ReadRequest(reader, 1024); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge from ReadRequest, got %v", err)
	}
	if reader.Len() != 1025 {
		t.Fatalf("expected payload to remain unread, %d bytes left", reader.Len())
	}
}

func TestEncodeStringBounds(t *testing.T) {
	field, err := EncodeName(strings.Repeat("a", NameSize-1))
	if err != nil {
		t.Fatalf("EncodeName with 254 bytes failed: %v", err)
	}
	if field[NameSize-1] != 0 {
		t.Fatalf("expected terminator in last byte")
	}

	for i := 0; i < 3; i++ {
		if _, err := EncodeName(strings.Repeat("a", NameSize)); !errors.Is(err, ErrStringTooLong) {
			t.Fatalf("expected ErrStringTooLong, got %v", err)
		}
	}
	if _, err := EncodeName("tab\tname"); !errors.Is(err, ErrInvalidString) {
		t.Fatalf("expected ErrInvalidString, got %v", err)
	}

	decoded, err := DecodeName(field)
	if err != nil {
		t.Fatalf("DecodeName failed: %v", err)
	}
	if decoded != strings.Repeat("a", NameSize-1) {
		t.Fatalf("unexpected decoded name")
	}

	if _, err := DecodeString(bytes.Repeat([]byte{'a'}, 8)); !errors.Is(err, ErrInvalidString) {
		t.Fatalf("expected ErrInvalidString for unterminated field, got %v", err)
	}
}

func TestFileChunkRoundTrip(t *testing.T) {
	chunk := FileChunk{
		ContentSize:  48,
		OrigSize:     40,
		PacketNumber: 2,
		TotalPackets: 3,
		FileName:     "report.pdf",
		Content:      bytes.Repeat([]byte{0x11}, 16),
	}
	payload, err := chunk.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if len(payload) != FileChunkHeaderSize+16 {
		t.Fatalf("unexpected payload length %d", len(payload))
	}

	got, err := UnmarshalFileChunk(payload)
	if err != nil {
		t.Fatalf("UnmarshalFileChunk failed: %v", err)
	}
	if got.ContentSize != 48 || got.OrigSize != 40 || got.PacketNumber != 2 || got.TotalPackets != 3 || got.FileName != "report.pdf" || !bytes.Equal(got.Content, chunk.Content) {
		t.Fatalf("unexpected chunk %+v", got)
	}

	if _, err := UnmarshalFileChunk(payload[:FileChunkHeaderSize-1]); !errors.Is(err, ErrPayloadSize) {
		t.Fatalf("expected ErrPayloadSize, got %v", err)
	}
}

func TestFileReceivedResponseRoundTrip(t *testing.T) {
	want := FileReceivedResponse{ClientID: uuid.New(), ContentSize: 16, FileName: "a.txt", Checksum: 4294967295}
	payload, err := want.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := UnmarshalFileReceivedResponse(payload)
	if err != nil {
		t.Fatalf("UnmarshalFileReceivedResponse failed: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	id := uuid.New()
	name, _ := EncodeName("alice")
	if err := WriteRequest(&buffer, id, RequestReconnect, name); err != nil {
		t.Fatalf("WriteRequest failed: %v", err)
	}
	header, payload, err := ReadRequest(&buffer, DefaultMaxPayloadSize)
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	if header.ClientID != id || header.Code != RequestReconnect || !bytes.Equal(payload, name) {
		t.Fatalf("unexpected request %+v", header)
	}

	if err := WriteResponse(&buffer, ResponseAck, id[:]); err != nil {
		t.Fatalf("WriteResponse failed: %v", err)
	}
	response, payload, err := ReadResponse(&buffer, DefaultMaxPayloadSize)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if response.Code != ResponseAck || !bytes.Equal(payload, id[:]) {
		t.Fatalf("unexpected response %+v", response)
	}

	if _, _, err := ReadResponse(&buffer, DefaultMaxPayloadSize); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport on empty stream, got %v", err)
	}
}
