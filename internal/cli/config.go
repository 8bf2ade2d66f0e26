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
	"fmt"

	"github.com/jeremyhahn/go-opgpcard/pkg/do"
	"github.com/jeremyhahn/go-opgpcard/pkg/flash"
	"github.com/jeremyhahn/go-opgpcard/pkg/logging"
)

// Card image geometry. Page 0 is the data pool, page 1 the spare pool
// used during compaction, and the remaining pages hold one private key
// slot each.
const (
	imagePageSize  = 4096
	imageKeySlots  = 4
	imagePageCount = 2 + imageKeySlots

	dataPoolPage  = 0
	sparePoolPage = 1
	keyAreaPage   = 2
)

// Config holds global CLI configuration
type Config struct {
	// ConfigFile is the path to the configuration file
	ConfigFile string

	// Image is the path to the card image file
	Image string

	// OutputFormat controls output formatting (json, text)
	OutputFormat string

	// Verbose enables verbose logging
	Verbose bool
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		Image:        "opgpcard.img",
		OutputFormat: "text",
		Verbose:      false,
	}
}

// cardImage bundles the opened device with the mapped pools and key area.
type cardImage struct {
	dev   *flash.FileDevice
	data  *flash.Pool
	spare *flash.Pool
	keys  *flash.KeyArea
}

// OpenImage opens an existing card image and maps its regions.
func (c *Config) OpenImage() (*cardImage, error) {
	dev, err := flash.OpenFileDevice(c.Image, imagePageSize, imagePageCount)
	if err != nil {
		return nil, fmt.Errorf("opening card image: %w", err)
	}
	img, err := mapImage(dev)
	if err != nil {
		dev.Close()
		return nil, err
	}
	return img, nil
}

// mapImage maps the fixed image layout onto an open device.
func mapImage(dev *flash.FileDevice) (*cardImage, error) {
	data, err := flash.NewPool(dev, dataPoolPage)
	if err != nil {
		return nil, err
	}
	spare, err := flash.NewPool(dev, sparePoolPage)
	if err != nil {
		return nil, err
	}
	keys, err := flash.NewKeyArea(dev, keyAreaPage, imageKeySlots)
	if err != nil {
		return nil, err
	}
	return &cardImage{dev: dev, data: data, spare: spare, keys: keys}, nil
}

// Scan runs the boot recovery scan over the data pool.
func (img *cardImage) Scan(logger *logging.Logger) (*do.Store, error) {
	return do.Scan(img.data, logger)
}

// Close releases the underlying device.
func (img *cardImage) Close() error {
	return img.dev.Close()
}

// newLogger builds the CLI logger honoring the verbose flag.
func (c *Config) newLogger() *logging.Logger {
	return logging.NewLogger(c.Verbose)
}
