// Package transform provides the read and write hooks applied to data blocks
// around the feed: compression and authenticated encryption. A hook sees the
// offset of the block it transforms.
package transform

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"golang.org/x/crypto/chacha20poly1305"
)

// Func transforms the payload of the data block at offset.
type Func func(offset uint64, data []byte) ([]byte, error)

// Pair is a write hook together with the read hook that undoes it.
type Pair struct {
	OnWrite Func
	OnRead  Func
}

// Chain applies fns in order. Nil entries are skipped.
func Chain(fns ...Func) Func {
	var chain []Func
	for _, fn := range fns {
		if fn != nil {
			chain = append(chain, fn)
		}
	}
	switch len(chain) {
	case 0:
		return nil
	case 1:
		return chain[0]
	}
	return func(offset uint64, data []byte) ([]byte, error) {
		var err error
		for _, fn := range chain {
			if data, err = fn(offset, data); err != nil {
				return nil, err
			}
		}
		return data, nil
	}
}

// Stack layers pairs: writes run first to last, reads last to first.
func Stack(pairs ...Pair) Pair {
	writes := make([]Func, len(pairs))
	reads := make([]Func, len(pairs))
	for i, p := range pairs {
		writes[i] = p.OnWrite
		reads[len(pairs)-1-i] = p.OnRead
	}
	return Pair{OnWrite: Chain(writes...), OnRead: Chain(reads...)}
}

// XZ compresses data blocks in the xz container format.
func XZ() Pair {
	return Pair{
		OnWrite: func(_ uint64, data []byte) ([]byte, error) {
			var buf bytes.Buffer
			w, err := xz.NewWriter(&buf)
			if err != nil {
				return nil, err
			}
			if _, err := w.Write(data); err != nil {
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		OnRead: func(offset uint64, data []byte) ([]byte, error) {
			r, err := xz.NewReader(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("xz block %d: %w", offset, err)
			}
			out, err := io.ReadAll(r)
			if err != nil {
				return nil, fmt.Errorf("xz block %d: %w", offset, err)
			}
			return out, nil
		},
	}
}

// Zstd compresses data blocks with zstandard. The encoder and decoder are
// shared between calls.
func Zstd() (Pair, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return Pair{}, fmt.Errorf("error creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return Pair{}, fmt.Errorf("error creating zstd decoder: %w", err)
	}
	return Pair{
		OnWrite: func(_ uint64, data []byte) ([]byte, error) {
			return enc.EncodeAll(data, nil), nil
		},
		OnRead: func(offset uint64, data []byte) ([]byte, error) {
			out, err := dec.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd block %d: %w", offset, err)
			}
			return out, nil
		},
	}, nil
}

// Encrypt seals data blocks with XChaCha20-Poly1305. The nonce is derived
// from the block offset, which is unique within a feed because blocks are
// never rewritten, so a key must not be shared between feeds. The offset is
// also authenticated, so a block copied to another offset fails to open.
func Encrypt(key []byte) (Pair, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Pair{}, fmt.Errorf("error creating cipher: %w", err)
	}
	return Pair{
		OnWrite: func(offset uint64, data []byte) ([]byte, error) {
			nonce, ad := offsetNonce(aead, offset)
			return aead.Seal(nil, nonce, data, ad), nil
		},
		OnRead: func(offset uint64, data []byte) ([]byte, error) {
			nonce, ad := offsetNonce(aead, offset)
			out, err := aead.Open(nil, nonce, data, ad)
			if err != nil {
				return nil, fmt.Errorf("decrypting block %d: %w", offset, err)
			}
			return out, nil
		},
	}, nil
}

func offsetNonce(aead cipher.AEAD, offset uint64) (nonce, ad []byte) {
	nonce = make([]byte, aead.NonceSize())
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], offset)
	return nonce, nonce[len(nonce)-8:]
}
