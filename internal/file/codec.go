package file

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Every block file starts with one byte naming the codec of the rest, so
// changing the configured compression never strands existing files.
type codec byte

const (
	codecNone codec = iota
	codecS2
	codecZstd
	codecLZ4
)

var errUnknownCodec = errors.New("unknown block file codec")

func parseCodec(name string) (codec, error) {
	switch name {
	case "", "none":
		return codecNone, nil
	case "s2":
		return codecS2, nil
	case "zstd":
		return codecZstd, nil
	case "lz4":
		return codecLZ4, nil
	}
	return 0, fmt.Errorf("compression %q: %w", name, errUnknownCodec)
}

func (c codec) String() string {
	switch c {
	case codecNone:
		return "none"
	case codecS2:
		return "s2"
	case codecZstd:
		return "zstd"
	case codecLZ4:
		return "lz4"
	}
	return fmt.Sprintf("codec(%d)", byte(c))
}

// The zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

func encodeBlock(c codec, raw []byte) ([]byte, error) {
	out := []byte{byte(c)}
	switch c {
	case codecNone:
		return append(out, raw...), nil
	case codecS2:
		return append(out, s2.Encode(nil, raw)...), nil
	case codecZstd:
		return zstdEncoder.EncodeAll(raw, out), nil
	case codecLZ4:
		buf := bytes.NewBuffer(out)
		w := lz4.NewWriter(buf)
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("encoding with %s: %w", c, errUnknownCodec)
}

func decodeBlock(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty block file")
	}
	c, body := codec(data[0]), data[1:]
	switch c {
	case codecNone:
		return body, nil
	case codecS2:
		return s2.Decode(nil, body)
	case codecZstd:
		return zstdDecoder.DecodeAll(body, nil)
	case codecLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
	}
	return nil, fmt.Errorf("decoding %s: %w", c, errUnknownCodec)
}
