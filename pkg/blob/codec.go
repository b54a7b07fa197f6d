package blob

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Codec transforms payloads on their way into and out of the local store.
// Decode(Encode(p)) == p for every payload.
type Codec interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

type identityCodec struct{}

func (identityCodec) Encode(data []byte) ([]byte, error) { return data, nil }
func (identityCodec) Decode(data []byte) ([]byte, error) { return data, nil }

type gzipCodec struct{}

func (gzipCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip decode: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// aesCodec encrypts with AES-CTR, prepending the random IV to the payload.
type aesCodec struct {
	block cipher.Block
}

func newAESCodec(key []byte) (*aesCodec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad encryption key: %w", err)
	}
	return &aesCodec{block: block}, nil
}

func (c *aesCodec) Encode(data []byte) ([]byte, error) {
	iv := make([]byte, c.block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("reading iv: %w", err)
	}
	return append(iv, c.xor(data, iv)...), nil
}

func (c *aesCodec) Decode(data []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(data) < bs {
		return nil, fmt.Errorf("ciphertext shorter than iv (%d bytes)", len(data))
	}
	return c.xor(data[bs:], data[:bs]), nil
}

func (c *aesCodec) xor(in, iv []byte) []byte {
	out := make([]byte, len(in))
	cipher.NewCTR(c.block, iv).XORKeyStream(out, in)
	return out
}

// chainCodec applies codecs in order on encode and in reverse on decode.
type chainCodec struct {
	codecs []Codec
}

func (c chainCodec) Encode(data []byte) ([]byte, error) {
	var err error
	for _, codec := range c.codecs {
		if data, err = codec.Encode(data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (c chainCodec) Decode(data []byte) ([]byte, error) {
	var err error
	for i := len(c.codecs) - 1; i >= 0; i-- {
		if data, err = c.codecs[i].Decode(data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// NewCodec builds the local store's codec chain: gzip first, then AES-CTR.
// With both disabled the identity codec is returned.
func NewCodec(compress bool, encryptionKey []byte) (Codec, error) {
	var codecs []Codec
	if compress {
		codecs = append(codecs, gzipCodec{})
	}
	if len(encryptionKey) > 0 {
		c, err := newAESCodec(encryptionKey)
		if err != nil {
			return nil, err
		}
		codecs = append(codecs, c)
	}
	switch len(codecs) {
	case 0:
		return identityCodec{}, nil
	case 1:
		return codecs[0], nil
	default:
		return chainCodec{codecs: codecs}, nil
	}
}
