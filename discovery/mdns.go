package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_geekpaste._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the mDNS record TTL in seconds.
	DefaultTTL = 120
	// DefaultMissedScans is how many empty windows in a row drop a peer from the watcher.
	DefaultMissedScans = 2
)

const (
	txtDeviceID       = "device_id"
	txtVersion        = "version"
	txtKeyFingerprint = "key_fingerprint"
)

var (
	// ErrWatcherNotStarted indicates Refresh was called before Start.
	ErrWatcherNotStarted = errors.New("discovery: watcher is not started")
	// ErrWatcherStopped indicates the watcher was stopped.
	ErrWatcherStopped = errors.New("discovery: watcher is stopped")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertising and scanning.
//
// RadioPort is the TCP port of the local emulated radio; peers connect to it.
// KeyFingerprint is the short fingerprint of the transfer server key, shown before pairing.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32
	MissedScans     int

	SelfDeviceID   string
	DeviceName     string
	RadioPort      int
	KeyFingerprint string

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
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.MissedScans <= 0 {
		out.MissedScans = DefaultMissedScans
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.RadioPort <= 0 {
		return errors.New("radio port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	return nil
}

func (c Config) resolveBrowse() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// Advertiser publishes the local radio via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the local device and starts answering queries.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		txtDeviceID + "=" + cfg.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtKeyFingerprint + "=" + cfg.KeyFingerprint,
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.RadioPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Browse runs one scan window and reports every peer found, excluding ourselves.
// It returns when the window closes or ctx is done.
func Browse(ctx context.Context, config Config, found func(DiscoveredPeer)) error {
	cfg := config.withDefaults()
	if err := cfg.validateForScan(); err != nil {
		return err
	}
	browse, err := cfg.resolveBrowse()
	if err != nil {
		return err
	}

	if err := collect(ctx, cfg, browse, found); err != nil {
		return fmt.Errorf("browse mDNS: %w", err)
	}
	return ctx.Err()
}

// Service couples the advertiser with a background watcher.
type Service struct {
	Advertiser *Advertiser
	Watcher    *Watcher
}

// Start advertises the local device and starts watching for others with one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		return nil, err
	}

	watcher, err := NewWatcher(cfg)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	if err := watcher.Start(); err != nil {
		advertiser.Stop()
		return nil, err
	}

	return &Service{
		Advertiser: advertiser,
		Watcher:    watcher,
	}, nil
}

// Stop stops the watcher and the advertiser.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Watcher != nil {
		s.Watcher.Stop()
	}
	if s.Advertiser != nil {
		s.Advertiser.Stop()
	}
}
