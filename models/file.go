package models

// StoredFile is emitted by the server when a transfer ends, verified or not.
type StoredFile struct {
	ClientID  string `json:"client_id"`
	FileName  string `json:"file_name"`
	Path      string `json:"path"`
	Checksum  uint32 `json:"checksum"`
	Size      int64  `json:"size"`
	Verified  bool   `json:"verified"`
	Timestamp int64  `json:"timestamp"`
}
