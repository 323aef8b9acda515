package docdb

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

type CompressAlgorithm uint8

const (
	CompNone CompressAlgorithm = iota // default
	CompSnappy
	CompLz4
)

func (c CompressAlgorithm) String() string {
	switch c {
	case CompNone:
		return "none"
	case CompSnappy:
		return "snappy"
	case CompLz4:
		return "lz4"
	default:
		return "unknown"
	}
}

// ParseCompressAlgorithm maps a config name to an algorithm; "" means none.
func ParseCompressAlgorithm(name string) (CompressAlgorithm, error) {
	switch name {
	case "", "none":
		return CompNone, nil
	case "snappy":
		return CompSnappy, nil
	case "lz4":
		return CompLz4, nil
	default:
		return CompNone, errors.Errorf("unknown compression %q", name)
	}
}

type Compressor func([]byte) ([]byte, error)
type DeCompressor func([]byte) ([]byte, error)

var (
	SnappyCompress Compressor = func(in []byte) ([]byte, error) {
		return snappy.Encode(nil, in), nil
	}
	SnappyDeCompress DeCompressor = func(in []byte) ([]byte, error) {
		return snappy.Decode(nil, in)
	}
)

var (
	Lz4Compress Compressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		writer := lz4.NewWriter(buf)
		writer.NoChecksum = true
		if _, err := writer.Write(in); err != nil {
			return nil, errors.Wrap(err, "lz4 compress")
		}
		if err := writer.Close(); err != nil {
			return nil, errors.Wrap(err, "lz4 compress")
		}
		return buf.Bytes(), nil
	}

	Lz4DeCompress DeCompressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		reader := lz4.NewReader(bytes.NewReader(in))
		if _, err := buf.ReadFrom(reader); err != nil {
			return nil, errors.Wrap(err, "lz4 decompress")
		}
		return buf.Bytes(), nil
	}
)

// payloadCodec turns user payloads into stored payloads and back. With
// compression enabled the stored payload is algo:uint8 followed by the
// compressed bytes; with CompNone it is the payload itself.
type payloadCodec struct {
	algo CompressAlgorithm
}

func (c payloadCodec) encode(payload []byte) ([]byte, error) {
	var (
		compressed []byte
		err        error
	)
	switch c.algo {
	case CompNone:
		return payload, nil
	case CompSnappy:
		compressed, err = SnappyCompress(payload)
	case CompLz4:
		compressed, err = Lz4Compress(payload)
	default:
		return nil, errors.Errorf("unknown compression %d", c.algo)
	}
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(c.algo)}, compressed...), nil
}

func (c payloadCodec) decode(stored []byte) ([]byte, error) {
	if c.algo == CompNone {
		return stored, nil
	}
	if len(stored) == 0 {
		return nil, corruption("compressed payload has no algorithm tag")
	}
	switch CompressAlgorithm(stored[0]) {
	case CompNone:
		return stored[1:], nil
	case CompSnappy:
		return SnappyDeCompress(stored[1:])
	case CompLz4:
		return Lz4DeCompress(stored[1:])
	default:
		return nil, corruption("unknown payload compression tag %d", stored[0])
	}
}
