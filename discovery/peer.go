package discovery

import (
	"context"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// DiscoveredPeer is a radio advertised on the LAN.
type DiscoveredPeer struct {
	DeviceID       string
	DeviceName     string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

// Address returns the host:port to dial, preferring IPv4. It is empty when no address resolved.
func (p DiscoveredPeer) Address() string {
	if p.Port <= 0 || len(p.Addresses) == 0 {
		return ""
	}
	host := p.Addresses[0]
	for _, raw := range p.Addresses {
		if ip := net.ParseIP(raw); ip != nil && ip.To4() != nil {
			host = raw
			break
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// sameAdvertisement ignores LastSeen.
func (p DiscoveredPeer) sameAdvertisement(other DiscoveredPeer) bool {
	return p.DeviceID == other.DeviceID &&
		p.DeviceName == other.DeviceName &&
		p.KeyFingerprint == other.KeyFingerprint &&
		p.Version == other.Version &&
		p.HostName == other.HostName &&
		p.Port == other.Port &&
		slices.Equal(p.Addresses, other.Addresses)
}

// peerFromEntry decodes one mDNS answer. Entries without a device id, or carrying ours, are skipped.
func peerFromEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (DiscoveredPeer, bool) {
	txt := make(map[string]string, len(entry.Text))
	for _, record := range entry.Text {
		key, value, ok := strings.Cut(record, "=")
		if !ok || strings.TrimSpace(key) == "" {
			continue
		}
		txt[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	deviceID := txt[txtDeviceID]
	if deviceID == "" || deviceID == selfDeviceID {
		return DiscoveredPeer{}, false
	}
	version, _ := strconv.Atoi(txt[txtVersion])

	var addresses []string
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		if raw := ip.String(); !slices.Contains(addresses, raw) {
			addresses = append(addresses, raw)
		}
	}
	slices.Sort(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	}
	if name == "" {
		name = deviceID
	}

	return DiscoveredPeer{
		DeviceID:       deviceID,
		DeviceName:     name,
		KeyFingerprint: txt[txtKeyFingerprint],
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
		LastSeen:       time.Now(),
	}, true
}

// collect runs one browse window bounded by the scan timeout and calls found once per device.
// A nil error means the window ran to completion or ctx ended it.
func collect(ctx context.Context, cfg Config, browse browseFunc, found func(DiscoveredPeer)) error {
	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	done := make(chan struct{})
	go func() {
		defer close(done)
		seen := make(map[string]struct{})
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := peerFromEntry(entry, cfg.SelfDeviceID)
				if !ok {
					continue
				}
				if _, dup := seen[peer.DeviceID]; dup {
					continue
				}
				seen[peer.DeviceID] = struct{}{}
				found(peer)
			}
		}
	}()

	err := browse(scanCtx, cfg.Service, cfg.Domain, entries)
	if err != nil && scanCtx.Err() == nil {
		cancel()
		<-done
		return err
	}
	<-scanCtx.Done()
	<-done
	return nil
}
