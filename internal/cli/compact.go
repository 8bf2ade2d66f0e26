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
	"os"

	"github.com/spf13/cobra"
)

// compactCmd rewrites the data pool dropping tombstoned space
var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Compact the card image's data pool",
	Long: `Rewrite the data pool through the spare pool, dropping tombstoned
records and resetting the append tail. Live data objects, the signature
counter, the password error counters, and the PW1 lifetime flag survive
unchanged.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		img, err := cfg.OpenImage()
		if err != nil {
			handleError(err)
		}
		defer img.Close()

		store, err := img.Scan(cfg.newLogger())
		if err != nil {
			handleError(err)
		}

		before := img.data.Tail()
		if err := store.Compact(img.spare); err != nil {
			handleError(err)
		}
		after := img.data.Tail()

		printVerbose("tail %d -> %d bytes", before, after)
		_ = printer.PrintMessage(fmt.Sprintf("Compacted %s: reclaimed %d bytes",
			cfg.Image, before-after))
	},
}
