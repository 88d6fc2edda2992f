// Copyright (c) 2022 The rcproxy Authors
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

package core

import "fmt"

// ErrorCode enumerates the error taxonomy every fatal connection or loop
// failure is tagged with before it reaches onError/the loop error handler.
type ErrorCode int

const (
	// ConnectFail: client socket never became writable, SO_ERROR was
	// non-zero, or a proxy handshake was rejected.
	ConnectFail ErrorCode = iota
	// SendFail: the kernel returned a fatal write error, or the send
	// buffer would have overflowed maxSendBufferSize.
	SendFail
	// SSLHandshakeFail: TLS negotiation failed.
	SSLHandshakeFail
	// PackageTooBig: a codec frame or the raw recv buffer exceeded
	// maxPackageSize.
	PackageTooBig
	// ProtocolError: the codec's input or decode returned its fatal
	// sentinel.
	ProtocolError
	// InvalidCallbackID: the loop was asked to cancel/operate on a
	// watcher id it has no record of.
	InvalidCallbackID
	// Uncaught: a user callback panicked or returned an error that
	// propagated past the dispatcher boundary.
	Uncaught
)

func (c ErrorCode) String() string {
	switch c {
	case ConnectFail:
		return "CONNECT_FAIL"
	case SendFail:
		return "SEND_FAIL"
	case SSLHandshakeFail:
		return "SSL_HANDSHAKE_FAIL"
	case PackageTooBig:
		return "PACKAGE_TOO_BIG"
	case ProtocolError:
		return "PROTOCOL_ERROR"
	case InvalidCallbackID:
		return "INVALID_CALLBACK_ID"
	case Uncaught:
		return "UNCAUGHT"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error value attached to onError/error-handler calls.
type Error struct {
	Code   ErrorCode
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func NewError(code ErrorCode, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// UncaughtThrowable wraps whatever a user callback raised, preserving the
// kind of callback that raised it and the original error.
type UncaughtThrowable struct {
	Callback string
	Err      interface{}
}

func (u *UncaughtThrowable) Error() string {
	return fmt.Sprintf("uncaught error in %s callback: %v", u.Callback, u.Err)
}

func (u *UncaughtThrowable) Unwrap() error {
	if err, ok := u.Err.(error); ok {
		return err
	}
	return nil
}
