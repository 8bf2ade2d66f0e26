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

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-opgpcard/pkg/do"
	"github.com/jeremyhahn/go-opgpcard/pkg/flash"
)

var inspectRaw bool

// slotNames maps data object record numbers to display names.
var slotNames = map[uint8]string{
	0x01: "prvkey-sig", 0x02: "prvkey-dec", 0x03: "prvkey-aut",
	0x04: "keystring-pw1", 0x05: "keystring-rc",
	0x06: "sex",
	0x07: "fp-sig", 0x08: "fp-dec", 0x09: "fp-aut",
	0x0A: "ca-fp-1", 0x0B: "ca-fp-2", 0x0C: "ca-fp-3",
	0x0D: "kgtime-sig", 0x0E: "kgtime-dec", 0x0F: "kgtime-aut",
	0x10: "login-data", 0x11: "url", 0x12: "name", 0x13: "language",
}

// inspectCmd walks the data pool log and prints the recovered state
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Inspect a card image",
	Long: `Walk the card image's data pool log record by record and print
the recovered card state: live data objects, the signature counter, the
password error counters, and flash usage.

Private key records show only their slot reference; encrypted key
material stays in the key area and is never printed.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := getConfig()
		printer := NewPrinter(cfg.OutputFormat, os.Stdout)

		img, err := cfg.OpenImage()
		if err != nil {
			handleError(err)
		}
		defer img.Close()

		if inspectRaw {
			records, err := walkLog(img.data)
			if err != nil {
				handleError(err)
			}
			if err := printer.PrintRecords(records); err != nil {
				handleError(err)
			}
			return
		}

		store, err := img.Scan(cfg.newLogger())
		if err != nil {
			handleError(err)
		}

		status := map[string]interface{}{
			"signature_counter": store.SignatureCounter(),
			"live_bytes":        store.LiveBytes(),
			"private_keys":      store.PrivateKeyCount(),
			"pw1_lifetime":      store.PW1Lifetime(),
			"pool_tail":         img.data.Tail(),
			"pool_size":         img.data.Size(),
		}
		for name, which := range map[string]int{
			"pw1_errors": do.PWErrPW1,
			"rc_errors":  do.PWErrRC,
			"pw3_errors": do.PWErrPW3,
		} {
			v, err := store.PasswordErrors(which)
			if err != nil {
				handleError(err)
			}
			status[name] = v
		}
		if err := printer.PrintStatus(status); err != nil {
			handleError(err)
		}
	},
}

// walkLog traverses the record log without interpreting it into a store,
// so damaged images can still be examined up to the malformed point.
func walkLog(pool *flash.Pool) ([]recordInfo, error) {
	var records []recordInfo
	size := pool.Size()
	off := 0
	for off+2 <= size {
		hw, err := pool.Read(off, 2)
		if err != nil {
			return records, err
		}
		nr, second := hw[0], hw[1]
		if nr == 0xFF {
			break
		}

		switch {
		case nr == 0x00 && second == 0x00:
			records = append(records, recordInfo{Offset: off, Number: nr, Kind: "tombstone"})
			off += 2

		case nr >= 0x01 && nr <= 0x13:
			recLen := 2 + int(second)
			if recLen%2 != 0 {
				recLen++
			}
			if off+recLen > size {
				return records, fmt.Errorf("record at offset %#x overruns pool", off)
			}
			value, err := pool.Read(off+2, int(second))
			if err != nil {
				return records, err
			}
			display := hex.EncodeToString(value)
			if len(display) > 32 {
				display = display[:32] + "..."
			}
			// Keystrings and key records are sensitive even at rest.
			if nr <= 0x05 {
				display = "(redacted)"
			}
			records = append(records, recordInfo{
				Offset: off, Number: nr, Kind: slotNames[nr],
				Length: int(second), Value: display,
			})
			off += recLen

		case nr >= 0x80 && nr <= 0xBF:
			records = append(records, recordInfo{Offset: off, Number: nr, Kind: "ds-count-high"})
			off += 2

		case nr >= 0xC0 && nr <= 0xC3:
			records = append(records, recordInfo{Offset: off, Number: nr, Kind: "ds-count-low"})
			off += 2

		case nr == 0xF0:
			records = append(records, recordInfo{Offset: off, Number: nr, Kind: "pw1-lifetime"})
			off += 2

		case nr == 0xF1:
			records = append(records, recordInfo{Offset: off, Number: nr, Kind: "pw-err-counter", Length: 2})
			off += 4

		default:
			return records, fmt.Errorf("unknown record number %#02x at offset %#x", nr, off)
		}
	}
	return records, nil
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectRaw, "raw", false,
		"dump the record log instead of the recovered state")
}
