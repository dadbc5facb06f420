package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_securebackup._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the wire protocol version advertised in TXT records.
	DefaultVersion = 3
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second

	protocolName = "securebackup"

	txtVersion     = "version"
	txtProtocol    = "proto"
	txtMaxFileSize = "max_file_size"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config selects the mDNS service and, for resolution, which servers qualify.
type Config struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	// RequiredFileSize skips servers whose advertised file limit is smaller.
	RequiredFileSize int64

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Advertisement is what a backup server announces about itself.
type Advertisement struct {
	Instance string
	Port     int
	// MaxFileSize is the largest encrypted file the server accepts; zero
	// means unlimited and is not advertised.
	MaxFileSize uint32
}

func (a Advertisement) validate() error {
	if strings.TrimSpace(a.Instance) == "" {
		return errors.New("instance name is required")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return errors.New("port must be in 1..65535")
	}
	return nil
}

func (a Advertisement) records(version int) []string {
	txt := []string{
		txtVersion + "=" + strconv.Itoa(version),
		txtProtocol + "=" + protocolName,
	}
	if a.MaxFileSize > 0 {
		txt = append(txt, txtMaxFileSize+"="+strconv.FormatUint(uint64(a.MaxFileSize), 10))
	}
	return txt
}

// Broadcaster keeps one server advertisement alive until stopped.
type Broadcaster struct {
	server   *zeroconf.Server
	instance string
	stopOnce sync.Once
}

// Advertise announces a backup server on the local network.
func Advertise(config Config, ad Advertisement) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := ad.validate(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(ad.Instance, cfg.Service, cfg.Domain, ad.Port, ad.records(cfg.Version), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service %q: %w", ad.Instance, err)
	}
	return &Broadcaster{server: server, instance: ad.Instance}, nil
}

// Instance returns the advertised instance name.
func (b *Broadcaster) Instance() string {
	if b == nil {
		return ""
	}
	return b.instance
}

// Stop withdraws the advertisement. It is safe to call more than once.
func (b *Broadcaster) Stop() {
	if b == nil {
		return
	}
	b.stopOnce.Do(func() {
		if b.server != nil {
			b.server.Shutdown()
		}
	})
}
