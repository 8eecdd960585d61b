package vna

import (
	"errors"
	"fmt"
)

var (
	ErrConnection        = errors.New("vna: connection error")
	ErrCommandTimeout    = errors.New("vna: command timeout")
	ErrCompletionTimeout = errors.New("vna: operation complete timeout")
	ErrInvalidEndpoint   = errors.New("vna: invalid endpoint")
	ErrNotConnected      = errors.New("vna: not connected")
)

// ErrorCode classifies error events delivered to observers.
type ErrorCode int

const (
	// Connecting to the instrument failed; the batch was discarded.
	ErrorCodeConnection ErrorCode = iota + 1
	// A query got no reply within its timeout; the command was dropped.
	ErrorCodeCommandTimeout
	// The endpoint given was malformed; nothing was sent.
	ErrorCodeInvalidEndpoint
	// The connection failed while in use.
	ErrorCodeSocket
)

var errorCodeStringsMap = map[ErrorCode]string{
	ErrorCodeConnection:      "Connection",
	ErrorCodeCommandTimeout:  "CommandTimeout",
	ErrorCodeInvalidEndpoint: "InvalidEndpoint",
	ErrorCodeSocket:          "Socket",
}

func (c ErrorCode) String() string {
	s, ok := errorCodeStringsMap[c]
	if !ok {
		return fmt.Sprintf("Unknown (%d)", int(c))
	}
	return s
}
