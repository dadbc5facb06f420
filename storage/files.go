package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"securebackup/models"
)

// SaveFile records the outcome of a transfer. An unverified outcome never
// replaces a previously verified record for the same client and file name.
func (s *Store) SaveFile(file models.StoredFile) error {
	id, err := uuid.Parse(file.ClientID)
	if err != nil {
		return fmt.Errorf("parse client id %q: %w", file.ClientID, err)
	}
	if file.FileName == "" {
		return errors.New("file_name is required")
	}
	if file.Timestamp == 0 {
		file.Timestamp = nowUnixMilli()
	}

	_, err = s.db.Exec(
		`INSERT INTO files (client_id, file_name, path_name, checksum, size, verified, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id, file_name) DO UPDATE SET
			path_name = excluded.path_name,
			checksum = excluded.checksum,
			size = excluded.size,
			verified = excluded.verified,
			timestamp = excluded.timestamp
		WHERE excluded.verified = 1 OR files.verified = 0`,
		id[:],
		file.FileName,
		file.Path,
		int64(file.Checksum),
		file.Size,
		boolToInt(file.Verified),
		file.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save file %q: %w", file.FileName, err)
	}
	return nil
}

// GetFile returns the record for one client's file.
func (s *Store) GetFile(clientID, fileName string) (models.StoredFile, error) {
	id, err := uuid.Parse(clientID)
	if err != nil {
		return models.StoredFile{}, fmt.Errorf("parse client id %q: %w", clientID, err)
	}

	row := s.db.QueryRow(
		`SELECT client_id, file_name, path_name, checksum, size, verified, timestamp
		FROM files
		WHERE client_id = ? AND file_name = ?`,
		id[:],
		fileName,
	)
	return scanFile(row)
}

// ListFiles returns stored files newest first. An empty clientID lists every client.
func (s *Store) ListFiles(clientID string) ([]models.StoredFile, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if clientID == "" {
		rows, err = s.db.Query(
			`SELECT client_id, file_name, path_name, checksum, size, verified, timestamp
			FROM files
			ORDER BY timestamp DESC, file_name ASC`,
		)
	} else {
		id, parseErr := uuid.Parse(clientID)
		if parseErr != nil {
			return nil, fmt.Errorf("parse client id %q: %w", clientID, parseErr)
		}
		rows, err = s.db.Query(
			`SELECT client_id, file_name, path_name, checksum, size, verified, timestamp
			FROM files
			WHERE client_id = ?
			ORDER BY timestamp DESC, file_name ASC`,
			id[:],
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files := make([]models.StoredFile, 0)
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return files, nil
}

func scanFile(row scanner) (models.StoredFile, error) {
	var (
		rawID    []byte
		file     models.StoredFile
		checksum int64
		verified int
	)
	if err := row.Scan(&rawID, &file.FileName, &file.Path, &checksum, &file.Size, &verified, &file.Timestamp); err != nil {
		return models.StoredFile{}, wrapNotFound(err, "file")
	}

	id, err := uuid.FromBytes(rawID)
	if err != nil {
		return models.StoredFile{}, fmt.Errorf("decode client id for file %q: %w", file.FileName, err)
	}
	file.ClientID = id.String()
	file.Checksum = uint32(checksum)
	file.Verified = verified == 1
	return file, nil
}

func wrapNotFound(err error, kind string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("scan %s: %w", kind, err)
}
