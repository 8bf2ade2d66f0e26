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
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// OutputFormat defines the output format type
type OutputFormat string

const (
	OutputFormatText OutputFormat = "text"
	OutputFormatJSON OutputFormat = "json"
)

// Printer handles formatted output
type Printer struct {
	format OutputFormat
	writer io.Writer
}

// NewPrinter creates a new Printer
func NewPrinter(format string, writer io.Writer) *Printer {
	return &Printer{
		format: OutputFormat(format),
		writer: writer,
	}
}

// recordInfo describes one log record for inspection output.
type recordInfo struct {
	Offset int    `json:"offset"`
	Number uint8  `json:"number"`
	Kind   string `json:"kind"`
	Length int    `json:"length,omitempty"`
	Value  string `json:"value,omitempty"`
}

// PrintRecords prints the walked data pool log
func (p *Printer) PrintRecords(records []recordInfo) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"records": records,
		})
	case OutputFormatText:
		if len(records) == 0 {
			fmt.Fprintln(p.writer, "Empty data pool")
			return nil
		}
		fmt.Fprintf(p.writer, "%-8s %-6s %-14s %-6s %s\n", "OFFSET", "NR", "KIND", "LEN", "VALUE")
		fmt.Fprintln(p.writer, strings.Repeat("-", 72))
		for _, r := range records {
			fmt.Fprintf(p.writer, "%-8s %#02x   %-14s %-6d %s\n",
				fmt.Sprintf("%#04x", r.Offset), r.Number, r.Kind, r.Length, r.Value)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintStatus prints the recovered card state summary
func (p *Printer) PrintStatus(status map[string]interface{}) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(status)
	case OutputFormatText:
		fmt.Fprintln(p.writer, "Card state:")
		for _, k := range sortedKeys(status) {
			fmt.Fprintf(p.writer, "  %-22s %v\n", k+":", status[k])
		}
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintMessage prints a simple confirmation message
func (p *Printer) PrintMessage(msg string) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{"message": msg})
	case OutputFormatText:
		fmt.Fprintln(p.writer, msg)
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", p.format)
	}
}

// PrintError prints an error
func (p *Printer) PrintError(err error) error {
	switch p.format {
	case OutputFormatJSON:
		return p.printJSON(map[string]interface{}{
			"error": err.Error(),
		})
	default:
		fmt.Fprintf(p.writer, "Error: %v\n", err)
		return nil
	}
}

// printJSON marshals v with indentation
func (p *Printer) printJSON(v interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
