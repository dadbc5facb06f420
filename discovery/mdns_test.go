package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := Advertise(cfg, Advertisement{Instance: "Backup Box", Port: 1357, MaxFileSize: 4096})
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	if broadcaster.Instance() != "Backup Box" {
		t.Fatalf("unexpected broadcaster instance %q", broadcaster.Instance())
	}
	broadcaster.Stop()
	broadcaster.Stop()

	if gotInstance != "Backup Box" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != DefaultDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 1357 {
		t.Fatalf("unexpected port: %d", gotPort)
	}
	want := []string{"version=3", "proto=securebackup", "max_file_size=4096"}
	if len(gotTXT) != len(want) {
		t.Fatalf("unexpected TXT records %v", gotTXT)
	}
	for i := range want {
		if gotTXT[i] != want[i] {
			t.Fatalf("TXT record %d: got %q want %q", i, gotTXT[i], want[i])
		}
	}
}

func TestAdvertiseValidates(t *testing.T) {
	cfg := Config{registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}}
	if _, err := Advertise(cfg, Advertisement{Port: 1357}); err == nil {
		t.Fatalf("expected missing instance name to be rejected")
	}
	if _, err := Advertise(cfg, Advertisement{Instance: "x"}); err == nil {
		t.Fatalf("expected missing port to be rejected")
	}
}

func TestAdvertiseOmitsUnlimitedFileSize(t *testing.T) {
	var gotTXT []string
	cfg := Config{registerFn: func(_, _, _ string, _ int, text []string, _ []net.Interface) (*zeroconf.Server, error) {
		gotTXT = text
		return nil, nil
	}}
	if _, err := Advertise(cfg, Advertisement{Instance: "box", Port: 1357}); err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	if len(gotTXT) != 2 {
		t.Fatalf("expected no file size record, got %v", gotTXT)
	}
}

func testEntry(instance string, port int, version string, ips ...string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	entry.HostName = instance + ".local."
	entry.Port = port
	entry.Text = []string{"version=" + version, "proto=securebackup"}
	for _, ip := range ips {
		parsed := net.ParseIP(ip)
		if parsed.To4() != nil {
			entry.AddrIPv4 = append(entry.AddrIPv4, parsed)
		} else {
			entry.AddrIPv6 = append(entry.AddrIPv6, parsed)
		}
	}
	return entry
}

func staticBrowse(entries ...*zeroconf.ServiceEntry) browseFunc {
	return func(ctx context.Context, service, domain string, out chan<- *zeroconf.ServiceEntry) error {
		for _, entry := range entries {
			out <- entry
		}
		return nil
	}
}

func TestBrowseFiltersAndOrdersServers(t *testing.T) {
	cfg := Config{
		ScanTimeout: 200 * time.Millisecond,
		browseFn: staticBrowse(
			testEntry("zeta", 1357, "3", "fe80::1", "192.168.1.20"),
			testEntry("alpha", 2000, "3", "192.168.1.10"),
			testEntry("legacy", 1357, "2", "192.168.1.30"),
			testEntry("noport", 0, "3", "192.168.1.40"),
		),
	}

	servers, err := Browse(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 compatible servers, got %+v", servers)
	}
	if servers[0].Instance != "alpha" || servers[1].Instance != "zeta" {
		t.Fatalf("unexpected order %+v", servers)
	}
	if got := servers[1].Address(); got != "192.168.1.20:1357" {
		t.Fatalf("expected IPv4 address first, got %q", got)
	}
}

func TestResolveReturnsFirstServer(t *testing.T) {
	address, err := Resolve(context.Background(), Config{
		ScanTimeout: 200 * time.Millisecond,
		browseFn:    staticBrowse(testEntry("box", 1357, "3", "10.0.0.5")),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if address != "10.0.0.5:1357" {
		t.Fatalf("unexpected address %q", address)
	}
}

func TestResolveWithoutServers(t *testing.T) {
	_, err := Resolve(context.Background(), Config{
		ScanTimeout: 100 * time.Millisecond,
		browseFn:    staticBrowse(),
	})
	if !errors.Is(err, ErrNoServer) {
		t.Fatalf("expected ErrNoServer, got %v", err)
	}
}

func TestBrowseHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Browse(ctx, Config{ScanTimeout: time.Second, browseFn: staticBrowse()})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDiscoveredServerAddressFallsBackToHostName(t *testing.T) {
	server := DiscoveredServer{HostName: "box.local.", Port: 1357}
	if got := server.Address(); got != "box.local:1357" {
		t.Fatalf("unexpected address %q", got)
	}
}

func TestBrowseSkipsForeignAndTooSmallServers(t *testing.T) {
	foreign := testEntry("printer", 1357, "3", "10.0.0.9")
	foreign.Text = []string{"version=3"}
	small := testEntry("small", 1357, "3", "10.0.0.7")
	small.Text = append(small.Text, "max_file_size=1024")
	large := testEntry("large", 1357, "3", "10.0.0.8")
	large.Text = append(large.Text, "max_file_size=1048576")

	servers, err := Browse(context.Background(), Config{
		ScanTimeout:      200 * time.Millisecond,
		RequiredFileSize: 4096,
		browseFn:         staticBrowse(foreign, small, large),
	})
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(servers) != 1 || servers[0].Instance != "large" || servers[0].MaxFileSize != 1048576 {
		t.Fatalf("expected only the large server, got %+v", servers)
	}
}
