package archive

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses archived objects as a stream.
type Codec interface {
	// Name identifies the codec in configuration.
	Name() string
	// Ext is appended to archived object names.
	Ext() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// ParseCodec maps a configuration value to a Codec. The empty string is none.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "none":
		return None(), nil
	case "zstd":
		return Zstd(), nil
	case "lz4":
		return LZ4(), nil
	default:
		return nil, fmt.Errorf("unknown archive compression %q", name)
	}
}

// CodecForName picks the codec from an archived object's extension.
func CodecForName(name string) Codec {
	for _, c := range []Codec{Zstd(), LZ4()} {
		if len(name) > len(c.Ext()) && name[len(name)-len(c.Ext()):] == c.Ext() {
			return c
		}
	}
	return None()
}

type noneCodec struct{}

// None stores objects uncompressed.
func None() Codec { return noneCodec{} }

func (noneCodec) Name() string { return "none" }
func (noneCodec) Ext() string  { return "" }

func (noneCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (noneCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type zstdCodec struct {
	level zstd.EncoderLevel
}

// Zstd compresses with zstandard at the default speed.
func Zstd() Codec { return zstdCodec{level: zstd.SpeedDefault} }

func (zstdCodec) Name() string { return "zstd" }
func (zstdCodec) Ext() string  { return ".zst" }

func (c zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, err
	}
	return enc, nil
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

type lz4Codec struct{}

// LZ4 compresses with the lz4 frame format.
func LZ4() Codec { return lz4Codec{} }

func (lz4Codec) Name() string { return "lz4" }
func (lz4Codec) Ext() string  { return ".lz4" }

func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
