package models

// ErrorKind classifies why a client run did not verify its file.
type ErrorKind string

const (
	ErrorKindNone              ErrorKind = ""
	ErrorKindProtocolViolation ErrorKind = "protocol_violation"
	ErrorKindCrypto            ErrorKind = "crypto"
	ErrorKindChecksumMismatch  ErrorKind = "checksum_mismatch"
	ErrorKindTransport         ErrorKind = "transport"
	ErrorKindServer            ErrorKind = "server"
	ErrorKindLocal             ErrorKind = "local"
)

// TransferResult is the completion event of one client run.
type TransferResult struct {
	FileName  string    `json:"file_name"`
	Verified  bool      `json:"verified"`
	Attempts  int       `json:"attempts"`
	Checksum  uint32    `json:"checksum"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}
