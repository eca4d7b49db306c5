package transform

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, p Pair, offset uint64, data []byte) []byte {
	t.Helper()
	written, err := p.OnWrite(offset, data)
	require.NoError(t, err)
	read, err := p.OnRead(offset, written)
	require.NoError(t, err)
	return read
}

func TestXZ(t *testing.T) {
	data := []byte(strings.Repeat("hyperobjects ", 100))
	p := XZ()

	written, err := p.OnWrite(3, data)
	require.NoError(t, err)
	assert.Less(t, len(written), len(data))
	assert.Equal(t, data, roundTrip(t, p, 3, data))
}

func TestZstd(t *testing.T) {
	data := []byte(strings.Repeat("abc", 1000))
	p, err := Zstd()
	require.NoError(t, err)
	assert.Equal(t, data, roundTrip(t, p, 7, data))

	_, err = p.OnRead(7, []byte("This is not valid zstd data"))
	assert.Error(t, err)
}

func TestEncrypt(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	p, err := Encrypt(key)
	require.NoError(t, err)

	data := []byte("secret payload")
	sealed, err := p.OnWrite(5, data)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "secret")
	assert.Equal(t, data, roundTrip(t, p, 5, data))

	// same plaintext at another offset encrypts differently
	other, err := p.OnWrite(6, data)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, other)

	// a block moved to another offset does not open
	_, err = p.OnRead(6, sealed)
	assert.Error(t, err)

	_, err = Encrypt([]byte("short"))
	assert.Error(t, err)
}

func TestStackOrder(t *testing.T) {
	tag := func(s string) Pair {
		return Pair{
			OnWrite: func(_ uint64, d []byte) ([]byte, error) { return append(d, s...), nil },
			OnRead: func(_ uint64, d []byte) ([]byte, error) {
				require.True(t, bytes.HasSuffix(d, []byte(s)), "expected suffix %q in %q", s, d)
				return d[:len(d)-len(s)], nil
			},
		}
	}
	p := Stack(tag("a"), tag("b"))

	written, err := p.OnWrite(0, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "xab", string(written))

	read, err := p.OnRead(0, written)
	require.NoError(t, err)
	assert.Equal(t, "x", string(read))
}

func TestChainSkipsNil(t *testing.T) {
	assert.Nil(t, Chain(nil, nil))

	upper := func(_ uint64, d []byte) ([]byte, error) { return bytes.ToUpper(d), nil }
	fn := Chain(nil, upper)
	out, err := fn(0, []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "ABC", string(out))
}

func TestStackWithCompressionAndEncryption(t *testing.T) {
	enc, err := Encrypt(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)
	zs, err := Zstd()
	require.NoError(t, err)

	data := []byte(strings.Repeat("0123456789", 50))
	assert.Equal(t, data, roundTrip(t, Stack(XZ(), zs, enc), 11, data))
}
