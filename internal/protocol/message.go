// Package protocol defines the messages exchanged between kvs clients and
// the server, their binary encoding, and the stream framing around them.
//
// Encoding (all integers little-endian):
//
//	Set:      tag=0 | key | value
//	Get:      tag=1 | key
//	Remove:   tag=2 | key
//	Response: tag=3 | status uint32 | payload
//
// where tag is a uint32 and each string is a uint64 byte length followed by
// the bytes. Over a byte stream every encoded message is wrapped in a frame
// with a big-endian uint32 length prefix.
package protocol

import "fmt"

// Message is one of Set, Get, Remove or Response.
type Message interface {
	tag() uint32
}

const (
	tagSet uint32 = iota
	tagGet
	tagRemove
	tagResponse
)

// Set stores Value under Key.
type Set struct {
	Key   string
	Value string
}

// Get asks for the value stored under Key.
type Get struct {
	Key string
}

// Remove deletes Key.
type Remove struct {
	Key string
}

// Response is the server's reply to a request.
type Response struct {
	Status  Status
	Payload string
}

func (Set) tag() uint32      { return tagSet }
func (Get) tag() uint32      { return tagGet }
func (Remove) tag() uint32   { return tagRemove }
func (Response) tag() uint32 { return tagResponse }

// Status tells success apart from a missing key and from a failure.
type Status uint32

const (
	StatusOK Status = iota
	StatusNotFound
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// Canonical payloads.
const (
	PayloadOK          = "ok"
	PayloadKeyNotFound = "Key not found"
)

// OK builds a successful response.
func OK(payload string) Response { return Response{Status: StatusOK, Payload: payload} }

// NotFound builds the response for a missing key.
func NotFound() Response { return Response{Status: StatusNotFound, Payload: PayloadKeyNotFound} }

// Errorf builds an error response.
func Errorf(format string, args ...any) Response {
	return Response{Status: StatusError, Payload: fmt.Sprintf(format, args...)}
}
