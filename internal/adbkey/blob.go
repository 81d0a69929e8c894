// Package adbkey converts RSA public keys to the ADB key blob format and
// manages the on-disk adbkey/adbkey.pub pair.
package adbkey

import (
	"bytes"
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrUnsupportedKey is returned for keys the blob format cannot represent.
	ErrUnsupportedKey = errors.New("unsupported RSA key")

	// ErrInvalidBlob is returned when a serialized key blob is malformed.
	ErrInvalidBlob = errors.New("invalid key blob")
)

// KeyBlob is an RSA public key in Montgomery form, as verified by adbd.
// Wire layout, all little-endian:
//
//	Words    [4 bytes]        - modulus length in 32-bit words
//	N0Inv    [4 bytes]        - -N^-1 mod 2^32
//	Modulus  [Words*4 bytes]  - N, least significant word first
//	RR       [Words*4 bytes]  - R^2 mod N with R = 2^(32*Words)
//	Exponent [4 bytes]        - public exponent
type KeyBlob struct {
	N0Inv    uint32
	Modulus  []uint32
	RR       []uint32
	Exponent int32
}

// FromPublicKey derives the key blob from an RSA public key.
func FromPublicKey(pub *rsa.PublicKey) (*KeyBlob, error) {
	if pub == nil || pub.N == nil {
		return nil, fmt.Errorf("%w: nil key", ErrUnsupportedKey)
	}
	bits := pub.N.BitLen()
	if bits == 0 || bits%32 != 0 {
		return nil, fmt.Errorf("%w: modulus is %d bits, must be a multiple of 32", ErrUnsupportedKey, bits)
	}
	if pub.N.Bit(0) == 0 {
		return nil, fmt.Errorf("%w: even modulus", ErrUnsupportedKey)
	}
	if pub.E <= 0 || int64(pub.E) > int64(^uint32(0)>>1) {
		return nil, fmt.Errorf("%w: exponent %d out of range", ErrUnsupportedKey, pub.E)
	}

	words := bits / 32

	r32 := new(big.Int).Lsh(big.NewInt(1), 32)
	inv := new(big.Int).ModInverse(new(big.Int).Mod(pub.N, r32), r32)
	n0inv := new(big.Int).Sub(r32, inv)

	rr := new(big.Int).Lsh(big.NewInt(1), uint(64*words))
	rr.Mod(rr, pub.N)

	return &KeyBlob{
		N0Inv:    uint32(n0inv.Uint64()),
		Modulus:  toWords(pub.N, words),
		RR:       toWords(rr, words),
		Exponent: int32(pub.E),
	}, nil
}

// toWords splits x into little-endian 32-bit words, least significant first.
func toWords(x *big.Int, words int) []uint32 {
	be := x.FillBytes(make([]byte, words*4))
	out := make([]uint32, words)
	for i := range out {
		off := len(be) - (i+1)*4
		out[i] = binary.BigEndian.Uint32(be[off : off+4])
	}
	return out
}

// fromWords is the inverse of toWords.
func fromWords(w []uint32) *big.Int {
	be := make([]byte, len(w)*4)
	for i, v := range w {
		off := len(be) - (i+1)*4
		binary.BigEndian.PutUint32(be[off:off+4], v)
	}
	return new(big.Int).SetBytes(be)
}

// PublicKey returns the RSA public key represented by the blob.
func (b *KeyBlob) PublicKey() *rsa.PublicKey {
	return &rsa.PublicKey{N: fromWords(b.Modulus), E: int(b.Exponent)}
}

// Size returns the serialized size in bytes.
func (b *KeyBlob) Size() int {
	return 4 + 4 + len(b.Modulus)*4 + len(b.RR)*4 + 4
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (b *KeyBlob) MarshalBinary() ([]byte, error) {
	if len(b.Modulus) == 0 || len(b.Modulus) != len(b.RR) {
		return nil, fmt.Errorf("%w: modulus has %d words, rr has %d", ErrInvalidBlob, len(b.Modulus), len(b.RR))
	}

	buf := make([]byte, 0, b.Size())
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Modulus)))
	buf = binary.LittleEndian.AppendUint32(buf, b.N0Inv)
	for _, w := range b.Modulus {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	for _, w := range b.RR {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Exponent))
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (b *KeyBlob) UnmarshalBinary(data []byte) error {
	if len(data) < 12 {
		return fmt.Errorf("%w: %d bytes", ErrInvalidBlob, len(data))
	}
	words := binary.LittleEndian.Uint32(data[0:4])
	if words == 0 || uint64(len(data)) != 12+uint64(words)*8 {
		return fmt.Errorf("%w: %d bytes for %d words", ErrInvalidBlob, len(data), words)
	}

	b.N0Inv = binary.LittleEndian.Uint32(data[4:8])
	b.Modulus = make([]uint32, words)
	b.RR = make([]uint32, words)

	off := 8
	for i := range b.Modulus {
		b.Modulus[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	for i := range b.RR {
		b.RR[i] = binary.LittleEndian.Uint32(data[off:])
		off += 4
	}
	b.Exponent = int32(binary.LittleEndian.Uint32(data[off:]))
	return nil
}

// Equal reports whether two blobs are identical.
func (b *KeyBlob) Equal(other *KeyBlob) bool {
	x, err1 := b.MarshalBinary()
	y, err2 := other.MarshalBinary()
	return err1 == nil && err2 == nil && bytes.Equal(x, y)
}

// TransportString encodes the blob for an AUTH RSA_PUBLIC payload:
// base64 of the blob, a space, the identity, and a trailing NUL.
func TransportString(b *KeyBlob, identity string) ([]byte, error) {
	raw, err := b.MarshalBinary()
	if err != nil {
		return nil, err
	}
	s := base64.StdEncoding.EncodeToString(raw) + " " + identity + "\x00"
	return []byte(s), nil
}

// ParseTransportString decodes a transport string into its blob and identity.
// The trailing NUL and newline are optional.
func ParseTransportString(data []byte) (*KeyBlob, string, error) {
	s := strings.TrimRight(string(data), "\x00\r\n")

	encoded, identity, _ := strings.Cut(s, " ")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}

	b := &KeyBlob{}
	if err := b.UnmarshalBinary(raw); err != nil {
		return nil, "", err
	}
	return b, identity, nil
}
