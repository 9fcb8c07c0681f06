// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runtime

import (
	"errors"
	"fmt"
)

var (
	ErrPortExhausted      = errors.New("no free port in the configured range")
	ErrProvisionTimeout   = errors.New("runtime did not become healthy in time")
	ErrSubstrateConfig    = errors.New("invalid unit configuration")
	ErrSubstrateTransient = errors.New("substrate temporarily unavailable")
	ErrUnknownAgent       = errors.New("no runtime for agent")
	ErrUnitNotFound       = errors.New("unit not found")
)

// ErrorKind classifies substrate failures for the retry policy.
type ErrorKind int

const (
	// KindPermanent failures are neither retried nor configuration errors.
	KindPermanent ErrorKind = iota
	KindTransient
	KindConfig
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConfig:
		return "config"
	case KindNotFound:
		return "not_found"
	default:
		return "permanent"
	}
}

// SubstrateError is a classified failure of a substrate call.
type SubstrateError struct {
	Op   string
	Unit string
	Kind ErrorKind

	// Field names the offending UnitSpec field of a config error.
	Field string

	Err error
}

func (e *SubstrateError) Error() string {
	msg := e.Op
	if e.Unit != "" {
		msg += " " + e.Unit
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s)", e.Field)
	}
	return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Err)
}

func (e *SubstrateError) Unwrap() error { return e.Err }

func (e *SubstrateError) Is(target error) bool {
	switch target {
	case ErrSubstrateConfig:
		return e.Kind == KindConfig
	case ErrSubstrateTransient:
		return e.Kind == KindTransient
	case ErrUnitNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

func NewTransientError(op, unit string, err error) *SubstrateError {
	return &SubstrateError{Op: op, Unit: unit, Kind: KindTransient, Err: err}
}

func NewConfigError(op, field string, err error) *SubstrateError {
	return &SubstrateError{Op: op, Kind: KindConfig, Field: field, Err: err}
}

func NewNotFoundError(op, unit string) *SubstrateError {
	return &SubstrateError{Op: op, Unit: unit, Kind: KindNotFound, Err: ErrUnitNotFound}
}

func NewPermanentError(op, unit string, err error) *SubstrateError {
	return &SubstrateError{Op: op, Unit: unit, Kind: KindPermanent, Err: err}
}
