package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"securebackup/registry"
)

// SaveClient inserts or replaces a client record. It implements registry.Persister.
func (s *Store) SaveClient(client registry.Client) error {
	if client.ID == uuid.Nil {
		return errors.New("client_id is required")
	}
	if client.Name == "" {
		return errors.New("name is required")
	}

	lastSeen := client.LastSeen.UnixMilli()
	if client.LastSeen.IsZero() {
		lastSeen = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO clients (id, name, public_key, aes_key, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			public_key = excluded.public_key,
			aes_key = excluded.aes_key,
			last_seen = excluded.last_seen`,
		client.ID[:],
		client.Name,
		nullBytes(client.PublicKey),
		nullBytes(client.SymmetricKey),
		lastSeen,
	)
	if err != nil {
		return fmt.Errorf("upsert client %q: %w", client.Name, err)
	}
	return nil
}

// LoadClients returns every stored client ordered by name. It implements
// registry.Persister.
func (s *Store) LoadClients() ([]registry.Client, error) {
	rows, err := s.db.Query(
		`SELECT id, name, public_key, aes_key, last_seen
		FROM clients
		ORDER BY name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	clients := make([]registry.Client, 0)
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return clients, nil
}

// GetClientByName returns one stored client.
func (s *Store) GetClientByName(name string) (registry.Client, error) {
	row := s.db.QueryRow(
		`SELECT id, name, public_key, aes_key, last_seen
		FROM clients
		WHERE name = ?`,
		name,
	)
	client, err := scanClient(row)
	if err != nil {
		return registry.Client{}, err
	}
	return client, nil
}

func scanClient(row scanner) (registry.Client, error) {
	var (
		rawID     []byte
		client    registry.Client
		lastSeen  int64
		publicKey []byte
		aesKey    []byte
	)
	if err := row.Scan(&rawID, &client.Name, &publicKey, &aesKey, &lastSeen); err != nil {
		return registry.Client{}, wrapNotFound(err, "client")
	}

	id, err := uuid.FromBytes(rawID)
	if err != nil {
		return registry.Client{}, fmt.Errorf("decode client id for %q: %w", client.Name, err)
	}
	client.ID = id
	client.PublicKey = publicKey
	client.SymmetricKey = aesKey
	client.LastSeen = time.UnixMilli(lastSeen)
	return client, nil
}
