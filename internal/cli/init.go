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
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	initManufacturer string
	initSerial       string
	initForce        bool
)

// cardProfile is the provisioning sidecar written next to the image. It
// records the identity bytes a host application compiles into the AID.
type cardProfile struct {
	CardID       string    `yaml:"card_id"`
	Manufacturer string    `yaml:"manufacturer"`
	Serial       string    `yaml:"serial"`
	PageSize     int       `yaml:"page_size"`
	KeySlots     int       `yaml:"key_slots"`
	Created      time.Time `yaml:"created"`
}

// initCmd provisions a new erased card image
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision a new card image",
	Long: `Provision a new erased card image and write its profile sidecar.

The profile records the manufacturer and serial identity bytes for the
application identifier. When no serial is given, one is derived from a
freshly generated card ID.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		if _, err := os.Stat(cfg.Image); err == nil && !initForce {
			handleError(fmt.Errorf("card image %q already exists (use --force to overwrite)", cfg.Image))
		}
		if initForce {
			_ = os.Remove(cfg.Image)
		}

		manufacturer, err := hex.DecodeString(initManufacturer)
		if err != nil || len(manufacturer) != 2 {
			handleError(fmt.Errorf("manufacturer must be 2 hex bytes, got %q", initManufacturer))
		}

		cardID := uuid.New()
		serial := make([]byte, 4)
		if initSerial != "" {
			serial, err = hex.DecodeString(initSerial)
			if err != nil || len(serial) != 4 {
				handleError(fmt.Errorf("serial must be 4 hex bytes, got %q", initSerial))
			}
		} else {
			copy(serial, cardID[:4])
		}

		img, err := cfg.OpenImage()
		if err != nil {
			handleError(err)
		}
		defer img.Close()

		profile := cardProfile{
			CardID:       cardID.String(),
			Manufacturer: hex.EncodeToString(manufacturer),
			Serial:       hex.EncodeToString(serial),
			PageSize:     imagePageSize,
			KeySlots:     imageKeySlots,
			Created:      time.Now().UTC(),
		}
		out, err := yaml.Marshal(&profile)
		if err != nil {
			handleError(err)
		}
		if err := os.WriteFile(cfg.Image+".yaml", out, 0600); err != nil {
			handleError(fmt.Errorf("writing profile sidecar: %w", err))
		}

		printVerbose("card image %s provisioned (%d pages of %d bytes)",
			cfg.Image, imagePageCount, imagePageSize)
		_ = printer.PrintMessage(fmt.Sprintf("Provisioned card image %s (serial %s)",
			cfg.Image, profile.Serial))
	},
}

func init() {
	initCmd.Flags().StringVar(&initManufacturer, "manufacturer", "ffff",
		"manufacturer ID, 2 hex bytes")
	initCmd.Flags().StringVar(&initSerial, "serial", "",
		"card serial number, 4 hex bytes (random when omitted)")
	initCmd.Flags().BoolVar(&initForce, "force", false,
		"overwrite an existing card image")
}
