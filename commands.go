package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"geekpaste/config"
	"geekpaste/download"
	"geekpaste/protocol"
)

func identityCmd() *cobra.Command {
	var rotate bool
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show the transfer server identity, optionally rotating it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			identity, err := a.authority.Identity(false)
			if rotate {
				identity, err = a.authority.Rotate()
			}
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			if _, err := a.checkIdentityChange(identity); err != nil {
				return err
			}

			fmt.Printf("Fingerprint:  %s\n", identity.Fingerprint())
			fmt.Printf("Public Key:   %s\n", identity.PublicKeyBase64())
			fmt.Printf("Subject:      %s\n", identity.Certificate.Subject.CommonName)
			fmt.Printf("Expires:      %s\n", identity.Certificate.NotAfter.Format(time.RFC3339))
			fmt.Printf("Stored At:    %s\n", a.authority.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&rotate, "rotate", false, "generate a new key pair and certificate")
	return cmd
}

func fetchCmd() *cobra.Command {
	var pinnedKey string
	cmd := &cobra.Command{
		Use:   "fetch <manifest.json>",
		Short: "Download every file listed in a share manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			var manifest protocol.Manifest
			if err := json.Unmarshal(raw, &manifest); err != nil {
				return fmt.Errorf("decode manifest: %w", err)
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			manager := download.NewManager(download.Options{
				DownloadDir:      a.cfg.DownloadDir,
				PartialDir:       config.PartialDir(a.dataDir),
				ProgressInterval: a.cfg.ProgressInterval(),
				Store:            a.store,
			})
			defer manager.Close()

			tasks, err := manager.Enqueue(manifest, pinnedKey)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := manager.Wait(ctx); err != nil {
				return err
			}

			failed := 0
			for _, queued := range tasks {
				task, ok := manager.Get(queued.ID)
				if !ok {
					continue
				}
				switch task.Status {
				case download.StatusCompleted:
					fmt.Printf("saved %s (%d bytes) to %s\n", task.FileName, task.FileSize, task.SavedLocation)
				default:
					failed++
					fmt.Printf("%s %s: %s\n", task.Status, task.FileName, task.Error)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d downloads did not complete", failed, len(tasks))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pinnedKey, "key", "", "base64 public key to pin instead of the manifest's")
	return cmd
}

func devicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List remembered devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			devices, err := a.store.ListDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no devices")
				return nil
			}
			for _, device := range devices {
				lastSeen := "never"
				if device.LastSeenAt != nil {
					lastSeen = time.UnixMilli(*device.LastSeenAt).Format(time.RFC3339)
				}
				fmt.Printf("%-22s %-20s bonded=%-5t pinned=%-5t last seen %s\n",
					device.Address, device.Name, device.Bonded, device.PinnedPublicKey != "", lastSeen)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "forget <address>",
		Short: "Forget a device's bond and pinned key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.store.RemoveDevice(args[0]); err != nil {
				return fmt.Errorf("forget %s: %w", args[0], err)
			}
			fmt.Printf("forgot %s\n", args[0])
			return nil
		},
	})
	return cmd
}
