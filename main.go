package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"geekpaste/certs"
	"geekpaste/config"
	"geekpaste/storage"
)

var dataDirFlag string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "geekpaste",
		Short:         "Share clipboard text and files with nearby devices",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dataDirFlag != "" {
				return os.Setenv(config.DataDirEnv, dataDirFlag)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (default: per-user config dir, or $"+config.DataDirEnv+")")

	root.AddCommand(runCmd(), identityCmd(), fetchCmd(), devicesCmd())
	return root
}

// app holds what every command needs: config, database and certificate authority.
type app struct {
	cfg       *config.DeviceConfig
	cfgPath   string
	dataDir   string
	store     *storage.Store
	authority *certs.Authority
}

func openApp() (*app, error) {
	cfg, cfgPath, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	store, _, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	authority := certs.NewAuthority(certs.Options{
		Dir:            cfg.CertsDir,
		RefreshHorizon: cfg.CertRefreshHorizon(),
	})

	return &app{
		cfg:       cfg,
		cfgPath:   cfgPath,
		dataDir:   dataDir,
		store:     store,
		authority: authority,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		log.Printf("database close error: %v", err)
	}
}

// checkIdentityChange records the identity fingerprint and reports whether it differs from the last run.
func (a *app) checkIdentityChange(identity *certs.Identity) (bool, error) {
	const key = "identity_fingerprint"
	fingerprint := identity.Fingerprint()
	previous, err := a.store.GetSettingOr(key, "")
	if err != nil {
		return false, err
	}
	if previous == fingerprint {
		return false, nil
	}
	if err := a.store.SetSetting(key, fingerprint); err != nil {
		return false, err
	}
	return previous != "", nil
}
