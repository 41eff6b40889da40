package kem

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/sha3"

	"github.com/cloudflare/circl/kem/hybrid"
	"golang.org/x/crypto/hkdf"
)

// Hybrid KEMs from circl combine shared secrets, ciphertexts and public keys
// by simple concatenation. That is safe for TLS but not proven secure in a
// broader context, so the shared secret is never used directly: it is run
// through a CatKDF-style derivation (ETSI TS 103 744 §8.2.3) that binds it to
// caller-supplied context.

// scheme selects the hybrid PQC/classical KEM we use everywhere.
var scheme = hybrid.Kyber768X25519()

var ErrMalformed = errors.New("kem: malformed sealed blob")

// GenerateKeyPair returns a fresh binary-encoded key pair.
func GenerateKeyPair() (pub, priv []byte, err error) {
	pk, sk, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	if pub, err = pk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	if priv, err = sk.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// PublicFromPrivate re-derives the binary public key of priv.
func PublicFromPrivate(priv []byte) ([]byte, error) {
	sk, err := scheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return sk.Public().MarshalBinary()
}

// Encapsulate executes the hybrid KEM against pub and derives a 32-byte key.
//
//	ct  – wire ciphertext (ct_dh || ct_pq)
//	key – HKDF-SHA3-256(context, secret)[0:32]
func Encapsulate(pub, m1, m2 []byte) (ct, key []byte, err error) {
	pk, err := scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return nil, nil, err
	}
	ct, secret, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, nil, err
	}
	return ct, deriveKey(secret, m1, m2), nil
}

// Decapsulate mirrors Encapsulate for the holder of the private key.
func Decapsulate(priv, ct, m1, m2 []byte) (key []byte, err error) {
	sk, err := scheme.UnmarshalBinaryPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	secret, err := scheme.Decapsulate(sk, ct)
	if err != nil {
		return nil, err
	}
	return deriveKey(secret, m1, m2), nil
}

// Seal encrypts plaintext to pub. The derived key is bound to label and to
// pub itself, so a blob only opens under the key pair it was sealed for.
//
// Format: [2-byte big endian len(ct)] [ct] [nonce] [AES-256-GCM ciphertext]
func Seal(pub, label, plaintext []byte) ([]byte, error) {
	ct, key, err := Encapsulate(pub, label, pub)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 2, 2+len(ct)+len(nonce)+len(plaintext)+gcm.Overhead())
	binary.BigEndian.PutUint16(out, uint16(len(ct)))
	out = append(out, ct...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func Open(priv, label, blob []byte) ([]byte, error) {
	if len(blob) < 2 {
		return nil, ErrMalformed
	}
	ctLen := int(binary.BigEndian.Uint16(blob))
	if ctLen != scheme.CiphertextSize() || len(blob) < 2+ctLen {
		return nil, ErrMalformed
	}
	pub, err := PublicFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	key, err := Decapsulate(priv, blob[2:2+ctLen], label, pub)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	rest := blob[2+ctLen:]
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrMalformed
	}
	return gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// deriveKey implements CatKDF(context, secret) where
//
//	context = SHA3-256(m1 || m2)
//	secret  = ss_dh || ss_pq (output of hybrid.Encapsulate)
//
// TODO: Compare in detail with ETSI TS 103 744 (§8.2.3)
func deriveKey(secret, m1, m2 []byte) []byte {
	h := sha3.New256()
	h.Write(m1)
	h.Write(m2)
	context := h.Sum(nil)

	hk := hkdf.New(sha3.New256, secret, nil, context)
	key := make([]byte, 32) // AES‑256‑GCM
	if _, err := io.ReadFull(hk, key); err != nil {
		panic(err)
	}
	return key
}
