// Copyright 2024 The upgradecheck Authors
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

// Package errors is a drop-in replacement of the standard errors package,
// with a few additions to annotate errors with causes and details.
package errors

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

func New(text string) error {
	return errors.New(text)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// WithCause returns an error that is both err and cause, as reported by
// errors.Is and errors.As. The message is prefixed by the cause.
func WithCause(err, cause error) error {
	if err == nil {
		return nil
	}
	return causeError{err: err, cause: cause}
}

type causeError struct {
	err   error
	cause error
}

func (e causeError) Error() string {
	return fmt.Sprintf("%v: %v", e.cause, e.err)
}

func (e causeError) Unwrap() []error {
	return []error{e.err, e.cause}
}

// WithDetails attaches human readable details to err. They are not part of
// the error message, but can be retrieved with Details.
func WithDetails(err error, details ...string) error {
	if err == nil {
		return nil
	}
	return detailsError{err: err, details: details}
}

type detailsError struct {
	err     error
	details []string
}

func (e detailsError) Error() string { return e.err.Error() }
func (e detailsError) Unwrap() error { return e.err }

// Details returns all the details attached to err and to the errors it
// wraps, formatted as an indented list. The error tree is visited depth
// first, outermost errors first.
func Details(err error) string {
	var b strings.Builder
	walk(err, func(e error) {
		de, ok := e.(detailsError)
		if !ok {
			return
		}
		for _, d := range de.details {
			b.WriteString("\n  - ")
			b.WriteString(strings.ReplaceAll(d, "\n", "\n    "))
		}
	})
	return b.String()
}

func walk(err error, fn func(error)) {
	if err == nil {
		return
	}
	fn(err)
	switch e := err.(type) {
	case interface{ Unwrap() error }:
		walk(e.Unwrap(), fn)
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			walk(inner, fn)
		}
	}
}

// Combine merges the non-nil errors into one. It returns nil when no error
// is given and the error itself when only one is.
func Combine(errs ...error) error {
	var res multiError
	for _, err := range errs {
		if err == nil {
			continue
		}
		var me multiError
		if errors.As(err, &me) {
			res = append(res, me...)
			continue
		}
		res = append(res, err)
	}
	switch len(res) {
	case 0:
		return nil
	case 1:
		return res[0]
	default:
		return res
	}
}

// Errors returns the list of errors combined into err.
func Errors(err error) []error {
	if err == nil {
		return nil
	}
	var me multiError
	if errors.As(err, &me) {
		return me
	}
	return []error{err}
}

type multiError []error

func (m multiError) Error() string {
	return fmt.Sprintf("multiple errors (%d); sample: %v", len(m), m[0])
}

func (m multiError) Unwrap() []error {
	return m
}

func (m multiError) Format(f fmt.State, verb rune) {
	if verb != 'v' || !f.Flag('+') {
		_, _ = io.WriteString(f, m.Error())
		return
	}
	fmt.Fprintf(f, "multiple errors (%d):", len(m))
	for _, err := range m {
		fmt.Fprintf(f, "\n- %v", err)
	}
}
