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

package do

import (
	"fmt"

	"github.com/jeremyhahn/go-opgpcard/pkg/logging"
)

// Dispatcher resolves GET DATA and PUT DATA requests against the static
// data object table, consulting the access oracle before touching any
// value and recursing through composite objects.
type Dispatcher struct {
	table  Table
	store  *Store
	access AccessChecker
	log    *logging.Logger
}

// NewDispatcher validates the table and builds a dispatcher over a store
// and an access oracle.
func NewDispatcher(table Table, store *Store, access AccessChecker, logger *logging.Logger) (*Dispatcher, error) {
	if store == nil || access == nil {
		return nil, fmt.Errorf("do: dispatcher requires a store and an access checker")
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Dispatcher{
		table:  table,
		store:  store,
		access: access,
		log:    logger.WithComponent("dispatcher"),
	}, nil
}

// Table returns the dispatcher's data object table.
func (d *Dispatcher) Table() Table { return d.table }

// GetData answers a GET DATA request with the TLV encoding of the data
// object. An absent variable object yields an empty (zero-length) result,
// not an error. On any failure the partially built response is discarded;
// nothing reaches the caller.
func (d *Dispatcher) GetData(tag Tag) ([]byte, error) {
	e := d.table.Lookup(tag)
	if e == nil {
		return nil, ErrNotFound
	}

	w := &TLVWriter{}
	if err := d.copyDO(w, e, true); err != nil {
		return nil, err
	}
	if w.Len() == 0 {
		return []byte{}, nil
	}
	return w.Bytes(), nil
}

// copyDO appends one data object's encoding to w, recursing through
// composites. An absent variable emits nothing.
func (d *Dispatcher) copyDO(w *TLVWriter, e *Entry, withTag bool) error {
	if !d.access.Check(e.Read) {
		return ErrAccessDenied
	}

	switch e.Kind {
	case KindFixed:
		w.writeTLV(e.Tag, e.Fixed, withTag)
		return nil

	case KindVariable:
		data, err := d.store.ReadSimple(e.Slot)
		if err != nil {
			return err
		}
		if data == nil {
			return nil
		}
		w.writeTLV(e.Tag, data, withTag)
		return nil

	case KindCompositeRead:
		w.WriteTag(e.Tag)
		lenPos := w.reserveLength()
		for _, child := range e.Components {
			ce := d.table.Lookup(child)
			if ce == nil {
				continue
			}
			if err := d.copyDO(w, ce, true); err != nil {
				return err
			}
		}
		w.patchLength(lenPos)
		return nil

	case KindComputedRead, KindComputedReadWrite:
		return e.ReadFunc(w, withTag)

	default:
		// KindComputedWrite: unreadable; the AccessNever read gate
		// already rejected it above.
		return ErrAccessDenied
	}
}

// PutData answers a PUT DATA request. Variable objects are replaced with
// release-before-write ordering; computed objects delegate to their write
// handler, whose failures surface as the generic ErrOperation without
// handler-specific detail.
func (d *Dispatcher) PutData(tag Tag, data []byte) error {
	e := d.table.Lookup(tag)
	if e == nil {
		return ErrNotFound
	}
	if !d.access.Check(e.Write) {
		return ErrAccessDenied
	}

	switch e.Kind {
	case KindFixed, KindCompositeRead, KindComputedRead:
		return ErrSecurity

	case KindVariable:
		if len(data) > 0xFF {
			return fmt.Errorf("%w: value of %d bytes exceeds record limit", ErrProtocol, len(data))
		}
		return d.store.WriteSimple(e.Slot, data)

	case KindComputedWrite, KindComputedReadWrite:
		if err := e.WriteFunc(data); err != nil {
			d.log.Debug("computed write handler failed", "tag", fmt.Sprintf("%#04x", uint16(tag)))
			return ErrOperation
		}
		return nil

	default:
		return ErrOperation
	}
}
