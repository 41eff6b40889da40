package keycodec

import (
	"encoding/base64"
	"encoding/pem"
	"regexp"
	"strings"
)

var armor = regexp.MustCompile(`(?s)^-----BEGIN ([A-Z0-9]+(?: [A-Z0-9]+)*)-----(.*?)-----END ([A-Z0-9]+(?: [A-Z0-9]+)*)-----$`)

// NormalizeKey canonicalizes PEM key text. It accepts the armor with or
// without interior line breaks, with CRLF or spaces where newlines belong and
// with literal "\n" escapes left over from double JSON encoding. Anything
// else fails with ErrInvalidKeyFormat.
func NormalizeKey(text string) (string, error) {
	block, err := decodeArmor(text)
	if err != nil {
		return "", err
	}
	return encodeArmor(block.Type, block.Bytes), nil
}

func decodeArmor(text string) (*pem.Block, error) {
	s := strings.ReplaceAll(text, `\r\n`, "\n")
	s = strings.ReplaceAll(s, `\n`, "\n")
	s = strings.TrimSpace(s)

	m := armor.FindStringSubmatch(s)
	if m == nil || m[1] != m[3] {
		return nil, ErrInvalidKeyFormat
	}
	body := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, m[2])
	if body == "" {
		return nil, ErrInvalidKeyFormat
	}
	der, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, ErrInvalidKeyFormat
	}
	return &pem.Block{Type: m[1], Bytes: der}, nil
}

func encodeArmor(label string, der []byte) string {
	return strings.TrimSpace(string(pem.EncodeToMemory(&pem.Block{Type: label, Bytes: der})))
}

// decodeKey normalizes text and checks its label against the accepted ones.
func decodeKey(text string, labels ...string) (*pem.Block, error) {
	block, err := decodeArmor(text)
	if err != nil {
		return nil, err
	}
	for _, l := range labels {
		if block.Type == l {
			return block, nil
		}
	}
	return nil, ErrInvalidKeyFormat
}
