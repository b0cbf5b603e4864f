package protocol

import (
	"bytes"
	"compress/gzip"
	"io"

	xerial "github.com/eapache/go-xerial-snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

func compress(codec int8, in []byte) ([]byte, error) {
	switch codec {
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(in); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionSnappy:
		return xerial.Encode(in), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(in); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		out := w.EncodeAll(in, nil)
		if err := w.Close(); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return nil, errors.Errorf("protocol: unknown compression codec %d", codec)
	}
}

func decompress(codec int8, in []byte) ([]byte, error) {
	switch codec {
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(in))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionSnappy:
		return xerial.Decode(in)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(in)))
	case CompressionZstd:
		r, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return r.DecodeAll(in, nil)
	default:
		return nil, errors.Errorf("protocol: unknown compression codec %d", codec)
	}
}
