// Package keycodec issues one-time key pairs and seals data with them.
//
// Keys travel as PEM text. Clients frequently paste keys through transports
// that strip or mangle line breaks, so every entry point that accepts key
// text runs it through NormalizeKey first.
//
// The package is stateless and never logs key material.
package keycodec

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKeyFormat = errors.New("invalid key format")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrContentTooLarge  = errors.New("content exceeds the key's encryption bound")
	ErrUnsupported      = errors.New("operation not supported by key family")
)

// KeyPair is handed to the submitter once. Only PublicKey is ever stored.
type KeyPair struct {
	PublicKey  string
	PrivateKey string
}

// Family names a key algorithm.
type Family string

const (
	FamilyRSA       Family = "rsa"
	FamilyHybridKEM Family = "hybrid-kem"
)

// OversizePolicy decides what Encrypt does with data larger than a single
// RSA-OAEP block.
type OversizePolicy string

const (
	OversizeReject OversizePolicy = "reject"
	OversizeHybrid OversizePolicy = "hybrid"
)

const (
	MinRSABits = 2048
	MaxRSABits = 4096
)

type Codec interface {
	GenerateKeyPair() (KeyPair, error)
	Sign(data []byte, privateKey string) ([]byte, error)
	Verify(data, signature []byte, publicKey string) bool
	Encrypt(data []byte, publicKey string) ([]byte, error)
	Decrypt(ciphertext []byte, privateKey string) ([]byte, error)
	// PublicKeyOf returns the canonical public half of privateKey.
	PublicKeyOf(privateKey string) (string, error)
	// CanSign reports whether Sign is available for this family.
	CanSign() bool
}

type Options struct {
	Family   Family
	RSABits  int
	Oversize OversizePolicy
}

// New returns the codec for opts.Family.
func New(opts Options) (Codec, error) {
	switch opts.Family {
	case FamilyRSA, "":
		return NewRSA(opts.RSABits, opts.Oversize)
	case FamilyHybridKEM:
		return HybridKEM{}, nil
	default:
		return nil, fmt.Errorf("unknown key family %q", opts.Family)
	}
}
