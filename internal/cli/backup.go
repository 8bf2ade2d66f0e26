// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-opgpcard.
//
// go-opgpcard is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

var (
	backupOut        string
	restoreIn        string
	backupPassphrase string
)

// ErrInvalidPassphrase indicates a backup could not be decrypted.
var ErrInvalidPassphrase = errors.New("cli: invalid passphrase or corrupted backup")

// backupCmd exports a passphrase-encrypted image backup
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export an encrypted backup of the card image",
	Long: `Export the card image as a passphrase-encrypted backup file.

The image is encrypted with AES-256-GCM under an Argon2id-derived key.
Format: [salt(32)][nonce(12)][ciphertext+tag].`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		img, err := cfg.OpenImage()
		if err != nil {
			handleError(err)
		}
		defer img.Close()

		passphrase, err := readPassphrase(true)
		if err != nil {
			handleError(err)
		}

		encrypted, err := encryptWithPassphrase(img.dev.Image(), passphrase)
		if err != nil {
			handleError(err)
		}

		out := backupOut
		if out == "" {
			out = cfg.Image + ".backup"
		}
		if err := os.WriteFile(out, encrypted, 0600); err != nil {
			handleError(fmt.Errorf("writing backup: %w", err))
		}
		_ = printer.PrintMessage(fmt.Sprintf("Backup written to %s", out))
	},
}

// restoreCmd decrypts a backup file into a card image
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore a card image from an encrypted backup",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		if restoreIn == "" {
			restoreIn = cfg.Image + ".backup"
		}
		encrypted, err := os.ReadFile(restoreIn)
		if err != nil {
			handleError(fmt.Errorf("reading backup: %w", err))
		}

		passphrase, err := readPassphrase(false)
		if err != nil {
			handleError(err)
		}

		image, err := decryptWithPassphrase(encrypted, passphrase)
		if err != nil {
			handleError(err)
		}
		if len(image) != imagePageSize*imagePageCount {
			handleError(fmt.Errorf("backup holds %d bytes, expected %d",
				len(image), imagePageSize*imagePageCount))
		}

		if err := os.WriteFile(cfg.Image, image, 0600); err != nil {
			handleError(fmt.Errorf("writing card image: %w", err))
		}

		// Prove the restored image scans before declaring success.
		img, err := cfg.OpenImage()
		if err != nil {
			handleError(err)
		}
		defer img.Close()
		if _, err := img.Scan(cfg.newLogger()); err != nil {
			handleError(fmt.Errorf("restored image failed recovery scan: %w", err))
		}

		_ = printer.PrintMessage(fmt.Sprintf("Restored card image %s", cfg.Image))
	},
}

// encryptWithPassphrase encrypts data using a passphrase-derived key.
// Format: [salt][nonce][ciphertext+tag], salt as additional data.
func encryptWithPassphrase(data, passphrase []byte) ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	derivedKey := argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, data, salt)

	result := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	result = append(result, salt...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// decryptWithPassphrase decrypts a backup produced by
// encryptWithPassphrase. Expected format: [salt][nonce][ciphertext+tag].
func decryptWithPassphrase(encrypted, passphrase []byte) ([]byte, error) {
	// Minimum size: 32 (salt) + 12 (nonce) + 16 (tag) = 60 bytes
	if len(encrypted) < 60 {
		return nil, fmt.Errorf("backup too short: %d bytes (minimum 60)", len(encrypted))
	}
	salt := encrypted[0:32]
	nonce := encrypted[32:44]
	ciphertext := encrypted[44:]

	derivedKey := argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, salt)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return plaintext, nil
}

// readPassphrase takes the passphrase from the --passphrase flag when set
// (scripting, tests), otherwise prompts on the terminal without echo.
func readPassphrase(confirm bool) ([]byte, error) {
	if backupPassphrase != "" {
		return []byte(backupPassphrase), nil
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(pass) == 0 {
		return nil, errors.New("cli: empty passphrase")
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		again, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		if string(pass) != string(again) {
			return nil, errors.New("cli: passphrases do not match")
		}
	}
	return pass, nil
}

func init() {
	backupCmd.Flags().StringVar(&backupOut, "out", "",
		"backup file path (default <image>.backup)")
	backupCmd.Flags().StringVar(&backupPassphrase, "passphrase", "",
		"passphrase (prompted when omitted)")
	restoreCmd.Flags().StringVar(&restoreIn, "in", "",
		"backup file path (default <image>.backup)")
	restoreCmd.Flags().StringVar(&backupPassphrase, "passphrase", "",
		"passphrase (prompted when omitted)")
}
