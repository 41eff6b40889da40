package keycodec

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	labelPrivate     = "PRIVATE KEY"
	labelPrivateRSA  = "RSA PRIVATE KEY"
	labelPublic      = "PUBLIC KEY"
	labelPublicRSA   = "RSA PUBLIC KEY"
	envelopeInfo     = "veilbox/envelope/v1"
	dataKeySize      = 32
	tagDirect   byte = 0x01
	tagEnvelope byte = 0x02
)

// RSA seals with RSASSA-PKCS1-v1_5/SHA-256 signatures, which are
// deterministic for a given key, and RSA-OAEP/SHA-256 encryption.
type RSA struct {
	bits     int
	oversize OversizePolicy
}

func NewRSA(bits int, oversize OversizePolicy) (*RSA, error) {
	if bits == 0 {
		bits = MinRSABits
	}
	if bits < MinRSABits || bits > MaxRSABits {
		return nil, fmt.Errorf("rsa modulus must be within %d..%d bits, got %d", MinRSABits, MaxRSABits, bits)
	}
	switch oversize {
	case "":
		oversize = OversizeHybrid
	case OversizeReject, OversizeHybrid:
	default:
		return nil, fmt.Errorf("unknown oversize policy %q", oversize)
	}
	return &RSA{bits: bits, oversize: oversize}, nil
}

func (c *RSA) CanSign() bool { return true }

func (c *RSA) GenerateKeyPair() (KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, c.bits)
	if err != nil {
		return KeyPair{}, err
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return KeyPair{}, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		PublicKey:  encodeArmor(labelPublic, pubDER),
		PrivateKey: encodeArmor(labelPrivate, privDER),
	}, nil
}

func (c *RSA) Sign(data []byte, privateKey string) ([]byte, error) {
	priv, err := parseRSAPrivate(privateKey)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(nil, priv, crypto.SHA256, digest[:])
}

func (c *RSA) Verify(data, signature []byte, publicKey string) bool {
	if len(signature) == 0 {
		return false
	}
	pub, err := parseRSAPublic(publicKey)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature) == nil
}

// Encrypt seals data to publicKey. Data that fits one OAEP block is
// encrypted directly; larger data is rejected or wrapped in an envelope
// according to the oversize policy.
func (c *RSA) Encrypt(data []byte, publicKey string) ([]byte, error) {
	pub, err := parseRSAPublic(publicKey)
	if err != nil {
		return nil, err
	}
	if len(data) <= oaepCapacity(pub) {
		ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, data, nil)
		if err != nil {
			return nil, err
		}
		return append([]byte{tagDirect}, ct...), nil
	}
	if c.oversize == OversizeReject {
		return nil, ErrContentTooLarge
	}
	return sealEnvelope(pub, data)
}

func (c *RSA) Decrypt(ciphertext []byte, privateKey string) ([]byte, error) {
	priv, err := parseRSAPrivate(privateKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < 2 {
		return nil, ErrDecryptionFailed
	}
	var pt []byte
	switch ciphertext[0] {
	case tagDirect:
		pt, err = rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext[1:], nil)
	case tagEnvelope:
		pt, err = openEnvelope(priv, ciphertext[1:])
	default:
		return nil, ErrDecryptionFailed
	}
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

func (c *RSA) PublicKeyOf(privateKey string) (string, error) {
	priv, err := parseRSAPrivate(privateKey)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", err
	}
	return encodeArmor(labelPublic, der), nil
}

// MaxDirectPlaintext is the largest payload a single OAEP block carries for
// a modulus of bits.
func MaxDirectPlaintext(bits int) int {
	return (bits+7)/8 - 2*sha256.Size - 2
}

func oaepCapacity(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// Envelope: [tag][2-byte len(wrapped)][wrapped data key][nonce][AES-256-GCM ct]
func sealEnvelope(pub *rsa.PublicKey, data []byte) ([]byte, error) {
	dataKey := make([]byte, dataKeySize)
	if _, err := io.ReadFull(rand.Reader, dataKey); err != nil {
		return nil, err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, dataKey, []byte(envelopeInfo))
	if err != nil {
		return nil, err
	}
	gcm, err := envelopeAEAD(dataKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 3, 3+len(wrapped)+len(nonce)+len(data)+gcm.Overhead())
	out[0] = tagEnvelope
	binary.BigEndian.PutUint16(out[1:3], uint16(len(wrapped)))
	out = append(out, wrapped...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, data, wrapped), nil
}

func openEnvelope(priv *rsa.PrivateKey, blob []byte) ([]byte, error) {
	if len(blob) < 2 {
		return nil, ErrDecryptionFailed
	}
	n := int(binary.BigEndian.Uint16(blob))
	if n != priv.Size() || len(blob) < 2+n {
		return nil, ErrDecryptionFailed
	}
	wrapped := blob[2 : 2+n]
	dataKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, []byte(envelopeInfo))
	if err != nil {
		return nil, err
	}
	gcm, err := envelopeAEAD(dataKey)
	if err != nil {
		return nil, err
	}
	rest := blob[2+n:]
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrDecryptionFailed
	}
	return gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], wrapped)
}

func envelopeAEAD(dataKey []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha3.New256, dataKey, nil, []byte(envelopeInfo)), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func parseRSAPrivate(text string) (*rsa.PrivateKey, error) {
	block, err := decodeKey(text, labelPrivate, labelPrivateRSA)
	if err != nil {
		return nil, err
	}
	if block.Type == labelPrivateRSA {
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, ErrInvalidKeyFormat
		}
		return priv, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}
	return priv, nil
}

func parseRSAPublic(text string) (*rsa.PublicKey, error) {
	block, err := decodeKey(text, labelPublic, labelPublicRSA)
	if err != nil {
		return nil, err
	}
	if block.Type == labelPublicRSA {
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, ErrInvalidKeyFormat
		}
		return pub, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidKeyFormat
	}
	return pub, nil
}
