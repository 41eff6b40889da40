package keycodec

import (
	"github.com/collapsinghierarchy/veilbox/pkc/kem"
)

const (
	labelKEMPrivate = "VEILBOX KEM PRIVATE KEY"
	labelKEMPublic  = "VEILBOX KEM PUBLIC KEY"
	kemSealLabel    = "veilbox/seal/v1"
)

// HybridKEM issues Kyber768+X25519 key pairs. It encrypts arbitrary-size
// content but cannot sign, so it only serves the encrypted sealing mode.
type HybridKEM struct{}

func (HybridKEM) CanSign() bool { return false }

func (HybridKEM) GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := kem.GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		PublicKey:  encodeArmor(labelKEMPublic, pub),
		PrivateKey: encodeArmor(labelKEMPrivate, priv),
	}, nil
}

func (HybridKEM) Sign([]byte, string) ([]byte, error) { return nil, ErrUnsupported }

func (HybridKEM) Verify([]byte, []byte, string) bool { return false }

func (HybridKEM) Encrypt(data []byte, publicKey string) ([]byte, error) {
	block, err := decodeKey(publicKey, labelKEMPublic)
	if err != nil {
		return nil, err
	}
	blob, err := kem.Seal(block.Bytes, []byte(kemSealLabel), data)
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	return blob, nil
}

func (HybridKEM) Decrypt(ciphertext []byte, privateKey string) ([]byte, error) {
	block, err := decodeKey(privateKey, labelKEMPrivate)
	if err != nil {
		return nil, err
	}
	pt, err := kem.Open(block.Bytes, []byte(kemSealLabel), ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

func (HybridKEM) PublicKeyOf(privateKey string) (string, error) {
	block, err := decodeKey(privateKey, labelKEMPrivate)
	if err != nil {
		return "", err
	}
	pub, err := kem.PublicFromPrivate(block.Bytes)
	if err != nil {
		return "", ErrInvalidKeyFormat
	}
	return encodeArmor(labelKEMPublic, pub), nil
}
