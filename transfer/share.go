package transfer

import (
	"errors"
	"fmt"
	"net"

	"geekpaste/protocol"
)

// ErrNoAddress indicates no usable IPv4 address was found to advertise.
var ErrNoAddress = errors.New("transfer: no local IPv4 address")

// Share registers every source and returns the manifest a peer needs to fetch them.
// Endpoints registered before a failure are removed again.
func (s *Server) Share(sources []Source) (protocol.Manifest, error) {
	if len(sources) == 0 {
		return protocol.Manifest{}, fmt.Errorf("%w: nothing to share", protocol.ErrInvalidManifest)
	}

	port, err := s.Port()
	if err != nil {
		return protocol.Manifest{}, err
	}
	publicKey, err := s.PublicKeyBase64()
	if err != nil {
		return protocol.Manifest{}, err
	}
	addresses := s.opts.AdvertiseAddresses
	if len(addresses) == 0 {
		addresses, err = LocalIPv4Addresses()
		if err != nil {
			return protocol.Manifest{}, err
		}
	}

	manifest := protocol.Manifest{
		Addresses:          addresses,
		Port:               port,
		PinnedPublicKeyB64: publicKey,
		Files:              make([]protocol.FileEntry, 0, len(sources)),
	}
	for _, source := range sources {
		id, err := s.registry.Register(source)
		if err != nil {
			s.Unshare(manifest)
			return protocol.Manifest{}, err
		}
		manifest.Files = append(manifest.Files, protocol.FileEntry{
			EndpointID: id,
			FileName:   source.Name(),
			FileSize:   source.Size(),
		})
	}
	return manifest, nil
}

// ShareFiles shares local paths.
func (s *Server) ShareFiles(paths []string) (protocol.Manifest, error) {
	sources := make([]Source, 0, len(paths))
	for _, path := range paths {
		source, err := NewFileSource(path)
		if err != nil {
			return protocol.Manifest{}, err
		}
		sources = append(sources, source)
	}
	return s.Share(sources)
}

// Unshare removes every endpoint of a manifest.
func (s *Server) Unshare(manifest protocol.Manifest) {
	for _, file := range manifest.Files {
		s.registry.Remove(file.EndpointID)
	}
}

// LocalIPv4Addresses lists the IPv4 addresses of up, non-loopback interfaces.
func LocalIPv4Addresses() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	addresses := make([]string, 0)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil && !ip4.IsLinkLocalUnicast() {
				addresses = append(addresses, ip4.String())
			}
		}
	}
	if len(addresses) == 0 {
		return nil, ErrNoAddress
	}
	return addresses, nil
}
