package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	msgs := []Message{
		Set{Key: "a", Value: strings.Repeat("x", 4096)},
		Get{Key: "a"},
		OK(strings.Repeat("y", 1<<20)),
	}
	for _, m := range msgs {
		require.NoError(t, WriteMessage(&buf, m))
	}

	for _, want := range msgs {
		got, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameTooLarge(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)

	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrameTooLarge(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	data := buf.Bytes()[:buf.Len()-2]

	_, err := ReadFrame(bytes.NewReader(data))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadMessageDecodeError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte{9, 0, 0, 0}))

	_, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}
