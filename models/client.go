package models

// ClientSeen is emitted by the server each time a client identifies itself.
type ClientSeen struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	LastSeen int64  `json:"last_seen"`
}
