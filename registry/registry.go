// Package registry holds the server's shared table of known clients.
//
// All mutations run under one registry-wide mutex. Every method returns
// copies so callers never share the internal records.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNameTaken indicates a registration for a name that already exists.
	ErrNameTaken = errors.New("registry: name already registered")
	// ErrUnknownClient indicates an id or name with no record.
	ErrUnknownClient = errors.New("registry: unknown client")
	// ErrInvalidName indicates an empty name.
	ErrInvalidName = errors.New("registry: invalid name")
)

// Client is one registered identity.
type Client struct {
	ID           uuid.UUID
	Name         string
	PublicKey    []byte
	SymmetricKey []byte
	LastSeen     time.Time
}

// HasPublicKey reports whether a key exchange has completed for the client.
func (c Client) HasPublicKey() bool {
	return len(c.PublicKey) > 0
}

func (c Client) clone() Client {
	c.PublicKey = bytes.Clone(c.PublicKey)
	c.SymmetricKey = bytes.Clone(c.SymmetricKey)
	return c
}

// Persister stores registry records. Calls are made while the registry lock
// is held, so implementations must not call back into the Registry.
type Persister interface {
	LoadClients() ([]Client, error)
	SaveClient(client Client) error
}

// Registry maps names and ids to client records.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Client
	byID   map[uuid.UUID]*Client

	persister Persister
	now       func() time.Time
	newID     func() uuid.UUID
}

// New creates a registry and loads any persisted clients. persister may be nil.
func New(persister Persister) (*Registry, error) {
	r := &Registry{
		byName:    make(map[string]*Client),
		byID:      make(map[uuid.UUID]*Client),
		persister: persister,
		now:       time.Now,
		newID:     uuid.New,
	}

	if persister == nil {
		return r, nil
	}

	clients, err := persister.LoadClients()
	if err != nil {
		return nil, fmt.Errorf("load clients: %w", err)
	}
	for _, client := range clients {
		c := client.clone()
		r.byName[c.Name] = &c
		r.byID[c.ID] = &c
	}
	return r, nil
}

// Register allocates a new id for name. The existence check and the insert
// are one critical section.
func (r *Registry) Register(name string) (Client, error) {
	if name == "" {
		return Client{}, ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return Client{}, ErrNameTaken
	}

	id := r.newID()
	for {
		if _, exists := r.byID[id]; !exists && id != uuid.Nil {
			break
		}
		id = r.newID()
	}

	client := &Client{
		ID:       id,
		Name:     name,
		LastSeen: r.now(),
	}
	if err := r.persist(*client); err != nil {
		return Client{}, err
	}

	r.byName[name] = client
	r.byID[id] = client
	return client.clone(), nil
}

// UpdateKeys replaces the keys of a client. A nil publicKey keeps the stored one.
func (r *Registry) UpdateKeys(id uuid.UUID, publicKey, symmetricKey []byte) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.byID[id]
	if !ok {
		return Client{}, ErrUnknownClient
	}

	updated := client.clone()
	if publicKey != nil {
		updated.PublicKey = bytes.Clone(publicKey)
	}
	updated.SymmetricKey = bytes.Clone(symmetricKey)
	updated.LastSeen = r.now()

	if err := r.persist(updated); err != nil {
		return Client{}, err
	}

	*client = updated
	return updated.clone(), nil
}

// Touch records activity for a client.
func (r *Registry) Touch(id uuid.UUID) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.byID[id]
	if !ok {
		return Client{}, ErrUnknownClient
	}

	updated := client.clone()
	updated.LastSeen = r.now()
	if err := r.persist(updated); err != nil {
		return Client{}, err
	}

	*client = updated
	return updated.clone(), nil
}

// LookupByName returns the client registered under name.
func (r *Registry) LookupByName(name string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.byName[name]
	if !ok {
		return Client{}, false
	}
	return client.clone(), true
}

// LookupByID returns the client with the given id.
func (r *Registry) LookupByID(id uuid.UUID) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.byID[id]
	if !ok {
		return Client{}, false
	}
	return client.clone(), true
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

func (r *Registry) persist(client Client) error {
	if r.persister == nil {
		return nil
	}
	if err := r.persister.SaveClient(client); err != nil {
		return fmt.Errorf("persist client %q: %w", client.Name, err)
	}
	return nil
}
