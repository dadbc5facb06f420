package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"securebackup/models"
	"securebackup/registry"
)

// ServerOptions configures the backup server.
type ServerOptions struct {
	Registry *registry.Registry
	Logger   *logrus.Logger

	// FilesDir receives verified files. Empty disables writing them.
	FilesDir string
	// MaxPayloadSize bounds the payload size accepted from a request header.
	MaxPayloadSize uint32
	// MaxFileSize bounds the declared encrypted size of one file. Zero disables it.
	MaxFileSize uint32
	// IdleTimeout bounds each wait for the next request. Zero disables it.
	IdleTimeout time.Duration

	OnFileStored func(models.StoredFile)
	OnClientSeen func(models.ClientSeen)
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.MaxPayloadSize == 0 {
		out.MaxPayloadSize = DefaultMaxPayloadSize
	}
	return out
}

func (o ServerOptions) validate() error {
	if o.Registry == nil {
		return errors.New("network: server registry is required")
	}
	return nil
}

// Server accepts backup clients and runs one ClientSession per connection.
type Server struct {
	listener net.Listener
	options  ServerOptions
	log      *logrus.Entry

	errs chan error

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		log:      opts.Logger.WithField("component", "server"),
		errs:     make(chan error, 16),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	server.log.WithField("address", listener.Addr().String()).Info("server listening")
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, closes live connections and waits for their goroutines.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	log := s.log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("connection accepted")

	session := NewClientSession(s.options.Registry, s.options, log)
	err := session.Serve(conn)

	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		log.Debug("connection closed")
	default:
		log.WithError(err).Info("connection ended")
		s.reportError(err)
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
