// Copyright (C) 2026 CageMetric (dev@cagemetric.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"errors"
	"fmt"
)

// ErrorClass buckets pipeline failures for the client-facing error chunk.
// The class names are part of the wire contract.
type ErrorClass string

const (
	ClassValidation ErrorClass = "ValidationError"
	ClassNotFound   ErrorClass = "NotFoundError"
	ClassUsageLimit ErrorClass = "UsageLimitError"
	ClassTool       ErrorClass = "ToolError"
	ClassModelCall  ErrorClass = "ModelCallError"
	ClassTransport  ErrorClass = "TransportError"
	ClassInternal   ErrorClass = "InternalError"
)

// Error is a classified pipeline failure. The Message is safe to show to a
// client; the wrapped cause is for logs only.
type Error struct {
	Class   ErrorClass
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(class ErrorClass, message string, cause error) *Error {
	return &Error{Class: class, Message: message, Cause: cause}
}

// Classify extracts the error class from any error. Unclassified errors are
// reported as internal so client messages never leak raw Go errors.
func Classify(err error) ErrorClass {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Class
	}
	return ClassInternal
}

// ClientMessage returns the text safe to put in an error chunk.
func ClientMessage(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Message
	}
	return "An internal error occurred"
}
