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

import "fmt"

// Password-error counter slots.
const (
	PWErrPW1 = 0
	PWErrRC  = 1
	PWErrPW3 = 2

	// PasswordErrorsMax is the lockout threshold: at this many
	// consecutive failures the credential is locked.
	PasswordErrorsMax = 3
)

// SignatureCounter returns the 24-bit digital signature counter.
func (s *Store) SignatureCounter() uint32 { return s.dsc }

// IncrementSignatureCounter advances the signature counter by one,
// persisting only the low 10-bit field unless the low half rolls over.
// On rollover the new high field is written first and the low field is
// then reset to zero as a second write; if power fails in between, the
// scanner's stale-order rule recovers the counter with a zero low half.
func (s *Store) IncrementSignatureCounter() error {
	dsc := (s.dsc + 1) & 0x00FFFFFF

	if dsc&0x03FF == 0 {
		h14 := dsc >> 10
		off, err := s.pool.AppendHalfword(nrDSHighFirst|byte(h14>>8), byte(h14))
		if err != nil {
			return fmt.Errorf("%w: signature counter high field: %v", ErrMemory, err)
		}
		s.dscHighOff = off

		off, err = s.pool.AppendHalfword(nrDSLowFirst, 0)
		if err != nil {
			return fmt.Errorf("%w: signature counter low field: %v", ErrMemory, err)
		}
		s.dscLowOff = off
	} else {
		l10 := dsc & 0x03FF
		off, err := s.pool.AppendHalfword(nrDSLowFirst|byte(l10>>8), byte(l10))
		if err != nil {
			return fmt.Errorf("%w: signature counter low field: %v", ErrMemory, err)
		}
		s.dscLowOff = off
	}

	s.dsc = dsc
	return nil
}

// PasswordErrors returns the consecutive-failure count (0-3) for a
// credential slot. The count is the run length of the slot's most recent
// counter record: one for the record itself plus one per cleared run
// byte, so incrementing up to the lockout threshold never needs an erase.
func (s *Store) PasswordErrors(which int) (int, error) {
	if which < 0 || which >= len(s.pwErrOff) {
		return 0, fmt.Errorf("%w: invalid password slot %d", ErrProtocol, which)
	}
	off := s.pwErrOff[which]
	if off < 0 {
		return 0, nil
	}
	run, err := s.pool.Read(off, 2)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMemory, err)
	}
	value := 1
	for _, b := range run {
		if b == 0x00 {
			value++
		}
	}
	return value, nil
}

// Locked reports whether a credential slot has reached the lockout
// threshold.
func (s *Store) Locked(which int) (bool, error) {
	v, err := s.PasswordErrors(which)
	if err != nil {
		return false, err
	}
	return v >= PasswordErrorsMax, nil
}

// IncrementPasswordErrors records one more consecutive failure for a
// credential slot. The first failure appends a fresh counter record;
// later failures clear one more run byte in place. Counting saturates at
// the lockout threshold.
func (s *Store) IncrementPasswordErrors(which int) error {
	value, err := s.PasswordErrors(which)
	if err != nil {
		return err
	}
	if value >= PasswordErrorsMax {
		return nil
	}

	if s.pwErrOff[which] < 0 {
		if _, err := s.pool.AppendHalfword(nrCounter123, byte(which)); err != nil {
			return fmt.Errorf("%w: password error counter: %v", ErrMemory, err)
		}
		off, err := s.pool.AppendHalfword(0xFF, 0xFF)
		if err != nil {
			return fmt.Errorf("%w: password error counter: %v", ErrMemory, err)
		}
		s.pwErrOff[which] = off
		return nil
	}

	if err := s.pool.Program(s.pwErrOff[which]+(value-1), []byte{0x00}); err != nil {
		return fmt.Errorf("%w: password error counter: %v", ErrMemory, err)
	}
	return nil
}

// ResetPasswordErrors clears a credential slot's failure count by
// releasing its counter record chain.
func (s *Store) ResetPasswordErrors(which int) error {
	if which < 0 || which >= len(s.pwErrOff) {
		return fmt.Errorf("%w: invalid password slot %d", ErrProtocol, which)
	}
	off := s.pwErrOff[which]
	if off < 0 {
		return nil
	}
	if err := s.pool.Release(off-2, 4); err != nil {
		return fmt.Errorf("%w: password error counter: %v", ErrMemory, err)
	}
	s.pwErrOff[which] = -1
	return nil
}

// PW1Lifetime reports whether PW1 remains valid across multiple signing
// operations.
func (s *Store) PW1Lifetime() bool { return s.pw1LifetimeOff >= 0 }

// SetPW1Lifetime persists the PW1 lifetime flag: setting it appends the
// boolean record, clearing it tombstones the record.
func (s *Store) SetPW1Lifetime(v bool) error {
	if v == s.PW1Lifetime() {
		return nil
	}
	if v {
		off, err := s.pool.AppendHalfword(nrBoolPW1Lifetime, 0x00)
		if err != nil {
			return fmt.Errorf("%w: pw1 lifetime flag: %v", ErrMemory, err)
		}
		s.pw1LifetimeOff = off
		return nil
	}
	if err := s.pool.Release(s.pw1LifetimeOff, 2); err != nil {
		return fmt.Errorf("%w: pw1 lifetime flag: %v", ErrMemory, err)
	}
	s.pw1LifetimeOff = -1
	return nil
}
