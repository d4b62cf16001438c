package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/rangekeeper/rangekeeper/pkg/config"
	"github.com/rangekeeper/rangekeeper/pkg/stores"
)

const defaultKeyFile = "keys/id_ed25519"

func newInitCommand() *cobra.Command {
	var (
		driverName string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a RangeKeeper workspace",
		Long: `Initialize a workspace with a configuration file, a data directory, the
SQLite database and an SSH keypair for the ssh driver.

The data directory holds the database, keys, policies and probe rules.`,
		Example: `  # Initialize with the stub driver
  rangekeeper init

  # Initialize for real hosts
  rangekeeper init --driver ssh --config /etc/rangekeeper/rangekeeper.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			out := cmd.OutOrStdout()

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			cfg.Driver.Name = driverName
			cfg.Driver.SSH.PrivateKeyPath = defaultKeyFile
			if err := cfg.Validate(); err != nil {
				return err
			}

			log.Info().
				Str("config", path).
				Str("driver", driverName).
				Msg("Initializing workspace")

			dataDir := cfg.DataDir
			if !filepath.IsAbs(dataDir) {
				dataDir = filepath.Join(filepath.Dir(path), dataDir)
			}
			fmt.Fprintf(out, "Initializing RangeKeeper workspace in %s\n\n", dataDir)

			dirs := []string{
				dataDir,
				filepath.Join(dataDir, "keys"),
				filepath.Join(dataDir, cfg.Policy.Dir),
				filepath.Join(dataDir, cfg.Driver.RulesDir),
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(out, "✓ Created directory: %s\n", dir)
			}

			if err := config.Write(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Created config file: %s\n", path)

			dbPath := filepath.Join(dataDir, cfg.Database.Path)
			if err := initDatabase(cmd, dbPath); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized SQLite database: %s\n", dbPath)

			keyPath := filepath.Join(dataDir, defaultKeyFile)
			created, err := ensureKeypair(keyPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(out, "✓ Generated SSH keypair: %s\n", keyPath)
			} else {
				fmt.Fprintf(out, "✓ SSH keypair already exists: %s\n", keyPath)
			}

			fmt.Fprintf(out, "\nWorkspace initialized.\n\n")
			fmt.Fprintf(out, "Next steps:\n")
			fmt.Fprintf(out, "  1. Declare a scene and register it:\n")
			fmt.Fprintf(out, "     rangekeeper scene apply range.cue\n\n")
			fmt.Fprintf(out, "  2. Deploy it:\n")
			fmt.Fprintf(out, "     rangekeeper deploy\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&driverName, "driver", config.DriverStub, "deployment driver (ssh or stub)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}

func initDatabase(cmd *cobra.Command, path string) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()

	if err := store.Init(cmd.Context()); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// ensureKeypair writes an ed25519 keypair at path unless one exists.
func ensureKeypair(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	block, err := sshpkg.MarshalPrivateKey(privKey, "rangekeeper")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(path+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
