package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// ErrNoServer indicates a scan that found no compatible server.
var ErrNoServer = errors.New("discovery: no backup server found")

// DiscoveredServer is one advertised backup server.
type DiscoveredServer struct {
	Instance  string
	HostName  string
	Port      int
	Version   int
	Addresses []string
	// MaxFileSize is zero when the server advertises no limit.
	MaxFileSize uint32
}

// Accepts reports whether the server's advertised limit admits size bytes.
func (s DiscoveredServer) Accepts(size int64) bool {
	return s.MaxFileSize == 0 || size <= int64(s.MaxFileSize)
}

// Address returns a dialable host:port, preferring IPv4 addresses.
func (s DiscoveredServer) Address() string {
	host := strings.TrimSuffix(s.HostName, ".")
	if len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// Browse scans for one ScanTimeout window and returns the backup servers that
// advertise the configured protocol version and admit RequiredFileSize,
// ordered by instance name.
func Browse(ctx context.Context, config Config) ([]DiscoveredServer, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredServer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				server, ok := parseEntry(entry)
				if !ok || server.Version != cfg.Version || !server.Accepts(cfg.RequiredFileSize) {
					continue
				}
				collected[server.Instance] = server
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone

	// A deadline just means the scan window ended naturally.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]DiscoveredServer, 0, len(collected))
	for _, server := range collected {
		out = append(out, server)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Instance < out[j].Instance
	})
	return out, nil
}

// Resolve returns the address of the first compatible server found.
func Resolve(ctx context.Context, config Config) (string, error) {
	servers, err := Browse(ctx, config)
	if err != nil {
		return "", err
	}
	if len(servers) == 0 {
		return "", ErrNoServer
	}
	return servers[0].Address(), nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (DiscoveredServer, bool) {
	if entry.Port <= 0 {
		return DiscoveredServer{}, false
	}
	txt := txtToMap(entry.Text)
	if txt[txtProtocol] != protocolName {
		return DiscoveredServer{}, false
	}

	version, err := strconv.Atoi(txt[txtVersion])
	if err != nil {
		return DiscoveredServer{}, false
	}
	var maxFileSize uint32
	if raw := txt[txtMaxFileSize]; raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return DiscoveredServer{}, false
		}
		maxFileSize = uint32(parsed)
	}

	ipv4 := make([]string, 0, len(entry.AddrIPv4))
	ipv6 := make([]string, 0, len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		if ip.To4() != nil {
			ipv4 = append(ipv4, raw)
		} else {
			ipv6 = append(ipv6, raw)
		}
	}
	sort.Strings(ipv4)
	sort.Strings(ipv6)
	addresses := append(ipv4, ipv6...)

	if len(addresses) == 0 && entry.HostName == "" {
		return DiscoveredServer{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return DiscoveredServer{
		Instance:    name,
		HostName:    entry.HostName,
		Port:        entry.Port,
		Version:     version,
		Addresses:   addresses,
		MaxFileSize: maxFileSize,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
