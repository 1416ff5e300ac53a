package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrUnknownMessage = errors.New("protocol: unknown message tag")
	ErrShortBuffer    = errors.New("protocol: message truncated")
	ErrTrailingBytes  = errors.New("protocol: trailing bytes after message")
	ErrUnknownStatus  = errors.New("protocol: unknown response status")
)

// Encode serializes m.
func Encode(m Message) ([]byte, error) {
	var b []byte
	switch v := m.(type) {
	case Set:
		b = make([]byte, 0, 4+8+len(v.Key)+8+len(v.Value))
		b = binary.LittleEndian.AppendUint32(b, tagSet)
		b = appendString(b, v.Key)
		b = appendString(b, v.Value)
	case Get:
		b = make([]byte, 0, 4+8+len(v.Key))
		b = binary.LittleEndian.AppendUint32(b, tagGet)
		b = appendString(b, v.Key)
	case Remove:
		b = make([]byte, 0, 4+8+len(v.Key))
		b = binary.LittleEndian.AppendUint32(b, tagRemove)
		b = appendString(b, v.Key)
	case Response:
		b = make([]byte, 0, 4+4+8+len(v.Payload))
		b = binary.LittleEndian.AppendUint32(b, tagResponse)
		b = binary.LittleEndian.AppendUint32(b, uint32(v.Status))
		b = appendString(b, v.Payload)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	return b, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.LittleEndian.AppendUint64(b, uint64(len(s)))
	return append(b, s...)
}

// Decode parses exactly one message from b.
func Decode(b []byte) (Message, error) {
	d := decoder{buf: b}

	tag, err := d.uint32()
	if err != nil {
		return nil, err
	}

	var m Message
	switch tag {
	case tagSet:
		var v Set
		if v.Key, err = d.string(); err != nil {
			return nil, err
		}
		if v.Value, err = d.string(); err != nil {
			return nil, err
		}
		m = v
	case tagGet:
		var v Get
		if v.Key, err = d.string(); err != nil {
			return nil, err
		}
		m = v
	case tagRemove:
		var v Remove
		if v.Key, err = d.string(); err != nil {
			return nil, err
		}
		m = v
	case tagResponse:
		var v Response
		status, err := d.uint32()
		if err != nil {
			return nil, err
		}
		if Status(status) > StatusError {
			return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, status)
		}
		v.Status = Status(status)
		if v.Payload, err = d.string(); err != nil {
			return nil, err
		}
		m = v
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, tag)
	}

	if len(d.buf) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrTrailingBytes, len(d.buf))
	}
	return m, nil
}

type decoder struct {
	buf []byte
}

func (d *decoder) uint32() (uint32, error) {
	if len(d.buf) < 4 {
		return 0, ErrShortBuffer
	}
	v := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v, nil
}

func (d *decoder) string() (string, error) {
	if len(d.buf) < 8 {
		return "", ErrShortBuffer
	}
	n := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	if n > uint64(len(d.buf)) {
		return "", ErrShortBuffer
	}
	s := string(d.buf[:n])
	d.buf = d.buf[n:]
	return s, nil
}
