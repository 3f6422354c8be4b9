// Gappsd is a Google Workspace provisioning daemon.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package faults classifies every failure surfaced to the scheduler as
// permanent, transient, or credential. Permanent means the request was
// semantically rejected and must not be retried; transient means a
// temporary condition worth retrying; credential is a transient
// specialization for authentication refusals, counted against a separate,
// lower escalation threshold.
//
// Errors of unknown provenance classify as transient.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the retry classification of an error.
type Kind int

const (
	// KindTransient is a temporary condition; the work is retry eligible.
	KindTransient Kind = iota
	// KindPermanent is a semantic rejection; retrying cannot succeed.
	KindPermanent
	// KindCredential is an authentication refusal or challenge. It counts
	// as transient for retry purposes but escalates separately.
	KindCredential
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	case KindCredential:
		return "credential"
	default:
		return "transient"
	}
}

// Fault is an error carrying a retry classification. Wrapped causes remain
// reachable through errors.Is and errors.As.
type Fault struct {
	Kind Kind
	Err  error
}

// Error returns the message of the underlying error.
func (f *Fault) Error() string {
	if f == nil || f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// Unwrap exposes the underlying error.
func (f *Fault) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Permanent builds a permanent fault from a message.
func Permanent(msg string) error {
	return &Fault{Kind: KindPermanent, Err: errors.New(msg)}
}

// Permanentf builds a permanent fault from a format string.
func Permanentf(format string, args ...any) error {
	return &Fault{Kind: KindPermanent, Err: fmt.Errorf(format, args...)}
}

// Transient builds a transient fault from a message.
func Transient(msg string) error {
	return &Fault{Kind: KindTransient, Err: errors.New(msg)}
}

// Transientf builds a transient fault from a format string.
func Transientf(format string, args ...any) error {
	return &Fault{Kind: KindTransient, Err: fmt.Errorf(format, args...)}
}

// Credential builds a credential fault from a message.
func Credential(msg string) error {
	return &Fault{Kind: KindCredential, Err: errors.New(msg)}
}

// Credentialf builds a credential fault from a format string.
func Credentialf(format string, args ...any) error {
	return &Fault{Kind: KindCredential, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. Wrapping nil returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Err: err}
}

// KindOf reports the classification of err. Errors that carry no Fault in
// their chain report KindTransient.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindTransient
}

// IsPermanent reports whether err classifies as permanent.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == KindPermanent
}

// IsTransient reports whether err classifies as retry eligible. Credential
// faults are transient in this sense.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// IsCredential reports whether err classifies as a credential fault.
func IsCredential(err error) bool {
	return err != nil && KindOf(err) == KindCredential
}
