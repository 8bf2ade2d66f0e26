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

// Package card assembles the data object store, the key custody layer,
// and the declarative data object table into the card's command surface:
// GET DATA, PUT DATA, public key readout, and private key operations.
// All entry points serialize on a single mutex; flash has one writer.
package card

import (
	"errors"
	"sync"

	"github.com/jeremyhahn/go-opgpcard/pkg/custody"
	"github.com/jeremyhahn/go-opgpcard/pkg/do"
	"github.com/jeremyhahn/go-opgpcard/pkg/flash"
	"github.com/jeremyhahn/go-opgpcard/pkg/logging"
	"github.com/jeremyhahn/go-opgpcard/pkg/metrics"
)

// Session reports the verification state of the current card session.
// The session state machine (password verification, APDU handling) lives
// in the host application; the card consumes it as an oracle.
type Session interface {
	do.AccessChecker

	// AdminKeystring returns the keystring of the verified admin
	// credential, or false when PW3 has not been verified. Operations
	// that wrap or unwrap key material under the admin credential need
	// the keystring itself, not just the yes/no gate.
	AdminKeystring() ([]byte, bool)
}

// Profile customizes the identity bytes compiled into the fixed
// application identifier.
type Profile struct {
	// Manufacturer is the two-byte manufacturer ID in the AID.
	Manufacturer [2]byte

	// Serial is the four-byte card serial number in the AID.
	Serial [4]byte
}

// Config carries the assembled subsystems into New.
type Config struct {
	// Store is the scanned data object store.
	Store *do.Store

	// Custody is the private key custody layer over the same store.
	Custody *custody.Custody

	// Session supplies access-control decisions.
	Session Session

	// Spare is the second flash pool used during compaction. Optional;
	// Compact fails when absent.
	Spare *flash.Pool

	// Profile sets the AID identity bytes.
	Profile Profile

	// Logger is optional; a default stderr logger is used when nil.
	Logger *logging.Logger
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.Store == nil {
		return errors.New("card: store is required")
	}
	if c.Custody == nil {
		return errors.New("card: custody is required")
	}
	if c.Session == nil {
		return errors.New("card: session is required")
	}
	return nil
}

// Card is the top-level command surface.
type Card struct {
	mu       sync.Mutex
	store    *do.Store
	custody  *custody.Custody
	session  Session
	spare    *flash.Pool
	dispatch *do.Dispatcher
	log      *logging.Logger
}

// New validates the configuration, builds the data object table, and
// returns the ready card.
func New(cfg *Config) (*Card, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}

	c := &Card{
		store:   cfg.Store,
		custody: cfg.Custody,
		session: cfg.Session,
		spare:   cfg.Spare,
		log:     logger.WithComponent("card"),
	}

	table := c.buildTable(cfg.Profile)
	dispatch, err := do.NewDispatcher(table, cfg.Store, cfg.Session, logger)
	if err != nil {
		return nil, err
	}
	c.dispatch = dispatch
	return c, nil
}

// GetData reads a data object by tag.
func (c *Card) GetData(tag do.Tag) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, err := c.dispatch.GetData(tag)
	metrics.RecordOperation(metrics.OpGetData, err)
	return out, err
}

// PutData writes a data object by tag.
func (c *Card) PutData(tag do.Tag, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.dispatch.PutData(tag, data)
	metrics.RecordOperation(metrics.OpPutData, err)
	return err
}

// PublicKey returns the TLV-encoded public key of a slot.
func (c *Card) PublicKey(kind custody.KeyKind) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, err := c.custody.PublicKey(kind)
	metrics.RecordOperation(metrics.OpPublicKey, err)
	return out, err
}

// LoadPrivateKey decrypts a private key under one credential's
// keystring. The caller must Zeroize the returned material after use.
func (c *Card) LoadPrivateKey(kind custody.KeyKind, who custody.Credential, keystring []byte) (*custody.KeyMaterial, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	km, err := c.custody.Load(kind, who, keystring)
	metrics.RecordOperation(metrics.OpKeyLoad, err)
	return km, err
}

// WritePrivateKey imports a private key directly, outside the PUT DATA
// key import template. Requires a verified admin session.
func (c *Card) WritePrivateKey(kind custody.KeyKind, content, modulus []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	adminKS, ok := c.session.AdminKeystring()
	if !ok {
		metrics.RecordOperation(metrics.OpKeyImport, do.ErrAccessDenied)
		return do.ErrAccessDenied
	}
	err := c.custody.Import(kind, content, modulus, adminKS)
	metrics.RecordOperation(metrics.OpKeyImport, err)
	return err
}

// RekeyPrivateKey re-wraps one credential's DEK copy for one key after a
// credential change.
func (c *Card) RekeyPrivateKey(kind custody.KeyKind, whoOld custody.Credential, oldKS []byte, whoNew custody.Credential, newKS []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.custody.Rekey(kind, whoOld, oldKS, whoNew, newKS)
	metrics.RecordOperation(metrics.OpRekey, err)
	return err
}

// ChangeKeystring re-wraps a credential's DEK copy across all present
// keys. Returns the number of keys changed.
func (c *Card) ChangeKeystring(whoOld custody.Credential, oldKS []byte, whoNew custody.Credential, newKS []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.custody.ChangeKeystring(whoOld, oldKS, whoNew, newKS)
	metrics.RecordOperation(metrics.OpRekey, err)
	return n, err
}

// SignatureCounter returns the 24-bit digital signature counter.
func (c *Card) SignatureCounter() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.SignatureCounter()
}

// IncrementSignatureCounter records one signature.
func (c *Card) IncrementSignatureCounter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.IncrementSignatureCounter()
}

// PasswordErrors returns the consecutive failure count of a credential.
func (c *Card) PasswordErrors(which int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.PasswordErrors(which)
}

// IncrementPasswordErrors records a failed verification attempt.
func (c *Card) IncrementPasswordErrors(which int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.IncrementPasswordErrors(which)
}

// ResetPasswordErrors clears a credential's failure counter after a
// successful verification.
func (c *Card) ResetPasswordErrors(which int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.ResetPasswordErrors(which)
}

// Locked reports whether a credential has reached its retry limit.
func (c *Card) Locked(which int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Locked(which)
}

// Compact rewrites the data pool through the spare pool, reclaiming
// tombstoned space. Requires a spare pool in the configuration.
func (c *Card) Compact() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spare == nil {
		err := errors.New("card: no spare pool configured")
		metrics.RecordOperation(metrics.OpCompact, err)
		return err
	}
	err := c.store.Compact(c.spare)
	metrics.RecordOperation(metrics.OpCompact, err)
	return err
}
