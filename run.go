package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"geekpaste/config"
	"geekpaste/discovery"
	"geekpaste/download"
	"geekpaste/netradio"
	"geekpaste/protocol"
	"geekpaste/session"
	"geekpaste/transfer"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: radio, transfer server and session manager",
		Long: "Run the daemon. Lines read from stdin are sent to every connected peer as clipboard text.\n" +
			"Commands: /connect <addr>, /disconnect <addr>, /share <addr> <path>..., /scan, /nearby, /peers, /downloads, /quit",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx)
		},
	}
}

type daemon struct {
	server    *transfer.Server
	downloads *download.Manager
	listener  *netradio.Listener
	sessions  *session.Manager
	clipboard *session.MemoryClipboard
	nearby    *discovery.Service
}

func runDaemon(ctx context.Context) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	identity, err := a.authority.Identity(false)
	if err != nil {
		return fmt.Errorf("prepare identity: %w", err)
	}
	if changed, err := a.checkIdentityChange(identity); err != nil {
		log.Printf("identity check failed: %v", err)
	} else if changed {
		log.Printf("identity key changed; peers must exchange certificates again")
	}

	server := transfer.NewServer(a.authority, transfer.Options{
		ListenAddr:          cfg.TransferListenAddr,
		RemoveWhenDelivered: cfg.RemoveDeliveredEndpoints,
		ErrorLog:            log.New(os.Stderr, "transfer: ", log.LstdFlags),
		OnChange: func(ep transfer.Endpoint) {
			log.Printf("endpoint %s (%s): %s %d bytes", ep.ID, ep.Source.Name(), ep.Status, ep.DownloadedBytes)
		},
	})
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start transfer server: %w", err)
	}
	defer server.Close()

	downloads := download.NewManager(download.Options{
		DownloadDir:      cfg.DownloadDir,
		PartialDir:       config.PartialDir(a.dataDir),
		ProgressInterval: cfg.ProgressInterval(),
		Store:            a.store,
		OnUpdate: func(task download.Task) {
			if task.Status == download.StatusDownloading && task.DownloadedBytes > 0 {
				return
			}
			log.Printf("download %s (%s): %s %s", task.ID, task.FileName, task.Status, task.Error)
		},
	})
	defer downloads.Close()
	if err := downloads.Restore(); err != nil {
		log.Printf("restore downloads failed: %v", err)
	}

	radio, err := netradio.New(netradio.Options{
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.DeviceName,
	})
	if err != nil {
		return err
	}
	radioAddr := ":0"
	if cfg.PortMode == config.PortModeFixed {
		radioAddr = fmt.Sprintf(":%d", cfg.RadioPort)
	}
	listener, err := radio.Listen(radioAddr)
	if err != nil {
		return fmt.Errorf("start radio: %w", err)
	}
	defer listener.Close()

	nearby, err := discovery.Start(discovery.Config{
		SelfDeviceID:   cfg.DeviceID,
		DeviceName:     cfg.DeviceName,
		RadioPort:      listener.Port(),
		KeyFingerprint: identity.Fingerprint(),
	})
	if err != nil {
		log.Printf("mDNS discovery disabled: %v", err)
	} else {
		defer nearby.Stop()
		go logNearby(nearby.Watcher)
	}

	clipboard := session.NewMemoryClipboard(func(text string) {
		fmt.Printf("[clipboard] %s\n", text)
	})
	sessions, err := session.NewManager(session.Options{
		Radio:                       radio,
		Clipboard:                   clipboard,
		Authority:                   a.authority,
		Devices:                     a.store,
		Sharer:                      server,
		Downloads:                   downloads,
		WriteAttempts:               cfg.WriteRetryAttempts,
		WriteRetryDelay:             cfg.WriteRetryDelay(),
		FragmentPacing:              cfg.FragmentPacing(),
		BondTimeout:                 cfg.BondTimeout(),
		EchoWindow:                  cfg.EchoWindow(),
		RequestCertificateOnConnect: cfg.RequestCertificateOnConnect,
		OnStateChange: func(address string, state session.State) {
			log.Printf("peer %s: %s", address, state)
		},
		OnFiles: func(address string, manifest protocol.Manifest) {
			log.Printf("peer %s offers %d file(s)", address, len(manifest.Files))
		},
	})
	if err != nil {
		return err
	}
	defer sessions.Stop()

	d := &daemon{
		server:    server,
		downloads: downloads,
		listener:  listener,
		sessions:  sessions,
		clipboard: clipboard,
		nearby:    nearby,
	}

	port, _ := server.Port()
	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Radio Port:      %d\n", listener.Port())
	fmt.Printf("Transfer Port:   %d\n", port)
	fmt.Printf("Fingerprint:     %s\n", identity.Fingerprint())
	fmt.Printf("Config File:     %s\n", a.cfgPath)

	go d.adoptInbound()
	d.logErrors(ctx)
	if err := sessions.Start(); err != nil {
		log.Printf("reconnect saved devices failed: %v", err)
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if quit := d.handleLine(ctx, line); quit {
				return nil
			}
		}
	}
}

func readLines(f *os.File, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func logNearby(watcher *discovery.Watcher) {
	for event := range watcher.Events() {
		log.Printf("nearby %s: %s at %s (key %s)", event.Type, event.Peer.DeviceName, event.Peer.Address(), event.Peer.KeyFingerprint)
	}
}

func (d *daemon) adoptInbound() {
	for link := range d.listener.Links() {
		if err := d.sessions.Adopt(link); err != nil {
			log.Printf("adopt %s: %v", link.Address(), err)
		}
	}
}

func (d *daemon) logErrors(ctx context.Context) {
	go forwardErrors(ctx, log.Default(), "session", d.sessions.Errors())
	go forwardErrors(ctx, log.Default(), "download", d.downloads.Errors())
	go forwardErrors(ctx, log.Default(), "transfer", d.server.Errors())
	go forwardErrors(ctx, log.Default(), "radio", d.listener.Errors())
}

// forwardErrors logs errs until ctx is done or errs is closed.
func forwardErrors(ctx context.Context, logger *log.Logger, source string, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			logger.Printf("%s: %v", source, err)
		}
	}
}

// handleLine runs one stdin line and reports whether the daemon should exit.
func (d *daemon) handleLine(ctx context.Context, line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if err := d.clipboard.WriteText(line); err != nil {
			log.Printf("clipboard: %v", err)
		}
		if err := d.sessions.BroadcastText(ctx, line); err != nil {
			log.Printf("send text: %v", err)
		}
		return false
	}

	fields := strings.Fields(line)
	opCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	switch fields[0] {
	case "/quit":
		return true
	case "/connect":
		if len(fields) != 2 {
			fmt.Println("usage: /connect <addr>")
			return false
		}
		if err := d.sessions.Connect(opCtx, fields[1]); err != nil {
			log.Printf("connect %s: %v", fields[1], err)
		}
	case "/disconnect":
		if len(fields) != 2 {
			fmt.Println("usage: /disconnect <addr>")
			return false
		}
		_ = d.sessions.Disconnect(fields[1])
	case "/share":
		if len(fields) < 3 {
			fmt.Println("usage: /share <addr> <path>...")
			return false
		}
		manifest, err := d.sessions.ShareFiles(opCtx, fields[1], fields[2:])
		if err != nil {
			log.Printf("share: %v", err)
			return false
		}
		for _, file := range manifest.Files {
			fmt.Printf("shared %s (%d bytes) as %s\n", file.FileName, file.FileSize, manifest.ShareURL(file.EndpointID))
		}
	case "/scan":
		scanCtx, cancelScan := context.WithTimeout(ctx, 5*time.Second)
		defer cancelScan()
		err := d.sessions.Scan(scanCtx, func(ad session.Advertisement) {
			fmt.Printf("found %s at %s (%s)\n", ad.Name, ad.Address, ad.DeviceID)
		})
		if err != nil && scanCtx.Err() == nil {
			log.Printf("scan: %v", err)
		}
	case "/nearby":
		if d.nearby == nil {
			fmt.Println("mDNS discovery is disabled")
			return false
		}
		for _, peer := range d.nearby.Watcher.Peers() {
			fmt.Printf("%-20s %-22s key %s seen %s\n", peer.DeviceName, peer.Address(), peer.KeyFingerprint, peer.LastSeen.Format(time.Kitchen))
		}
	case "/peers":
		for _, info := range d.sessions.Sessions() {
			fmt.Printf("%s  %s  payload=%d inbound=%t pinned=%t\n", info.Address, info.State, info.PayloadSize, info.Inbound, info.PinnedKey != "")
		}
	case "/downloads":
		for _, task := range d.downloads.List() {
			fmt.Printf("%s  %-11s %d/%d  %s %s\n", task.ID, task.Status, task.DownloadedBytes, task.FileSize, task.FileName, task.SavedLocation)
		}
	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}
