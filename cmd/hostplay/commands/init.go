package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openfroyo/hostplay/examples"
	"github.com/openfroyo/hostplay/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		force  bool
		sshKey bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a hostplay project",
		Long: `Initialize a project directory with a sample playbook, inventory,
configuration, policy and an empty run history.

The sample playbook provisions a web application and scans it, showing
blocks with rescue and always, ignored failures and handlers.`,
		Example: `  # Initialize the current directory
  hostplay init

  # Initialize a new directory and generate an SSH key for the inventory
  hostplay init ./site --ssh-key`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}

			log.Info().
				Str("dir", dir).
				Bool("force", force).
				Msg("Initializing project")

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}

			err := fs.WalkDir(examples.FS, ".", func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				target := filepath.Join(dir, filepath.FromSlash(path))
				if d.IsDir() {
					return os.MkdirAll(target, 0o755)
				}
				return writeExample(out, path, target, force)
			})
			if err != nil {
				return err
			}

			historyPath := filepath.Join(dir, ".hostplay", "history.db")
			if err := os.MkdirAll(filepath.Dir(historyPath), 0o700); err != nil {
				return fmt.Errorf("failed to create history directory: %w", err)
			}
			store, err := stores.Open(ctx, historyPath)
			if err != nil {
				return fmt.Errorf("failed to initialize history: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "Initialized run history: %s\n", historyPath)

			if sshKey {
				keyPath := filepath.Join(dir, "keys", "hostplay-ed25519")
				if err := generateKeypair(keyPath, force); err != nil {
					return err
				}
				fmt.Fprintf(out, "Generated SSH keypair: %s\n", keyPath)
			}

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Edit inventory.yaml to point at your hosts\n")
			fmt.Fprintf(out, "  2. hostplay validate secure-webapp.yaml\n")
			fmt.Fprintf(out, "  3. hostplay run secure-webapp.yaml --check\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	cmd.Flags().BoolVar(&sshKey, "ssh-key", false, "generate an ed25519 keypair under keys/")

	return cmd
}

func writeExample(out io.Writer, name, target string, force bool) error {
	if _, err := os.Stat(target); err == nil && !force {
		fmt.Fprintf(out, "Skipped existing file: %s\n", target)
		return nil
	}

	data, err := fs.ReadFile(examples.FS, name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	fmt.Fprintf(out, "Created %s\n", target)
	return nil
}

// generateKeypair writes an OpenSSH private key and its authorized_keys line.
func generateKeypair(keyPath string, force bool) error {
	if _, err := os.Stat(keyPath); err == nil && !force {
		return nil
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privKeyBytes, err := sshpkg.MarshalPrivateKey(privKey, "hostplay")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privKeyBytes), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}
