// veilctl is the offline companion of veilboxd: it issues keys, repairs
// pasted keys and checks sealed values without talking to the server.
package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/collapsinghierarchy/veilbox/pkc/keycodec"
)

const usage = `usage: veilctl <command> [flags]

commands:
  keygen     print a fresh key pair
  normalize  canonicalize a pasted key read from stdin
  sign       sign content with a private key
  check      check content against a signature or a sealed value
`

var errMismatch = errors.New("content does not match")

func main() {
	err := run(os.Args[1:], os.Stdin, os.Stdout)
	switch {
	case err == nil:
	case errors.Is(err, errMismatch):
		color.Red("✗ %v", err)
		os.Exit(1)
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	default:
		color.Red("veilctl: %v", err)
		os.Exit(2)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return flag.ErrHelp
	}
	switch args[0] {
	case "keygen":
		return keygen(args[1:], stdout)
	case "normalize":
		return normalize(stdin, stdout)
	case "sign":
		return sign(args[1:], stdin, stdout)
	case "check":
		return check(args[1:], stdin, stdout)
	default:
		fmt.Fprint(stdout, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func codecFlags(fs *flag.FlagSet) func() (keycodec.Codec, error) {
	family := fs.String("family", string(keycodec.FamilyRSA), "key family: rsa or hybrid-kem")
	bits := fs.Int("bits", keycodec.MinRSABits, "RSA modulus size")
	return func() (keycodec.Codec, error) {
		return keycodec.New(keycodec.Options{
			Family:   keycodec.Family(*family),
			RSABits:  *bits,
			Oversize: keycodec.OversizeHybrid,
		})
	}
}

func keygen(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	newCodec := codecFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	codec, err := newCodec()
	if err != nil {
		return err
	}
	kp, err := codec.GenerateKeyPair()
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, kp.PublicKey)
	fmt.Fprintln(stdout, kp.PrivateKey)
	return nil
}

func normalize(stdin io.Reader, stdout io.Writer) error {
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return err
	}
	key, err := keycodec.NormalizeKey(string(raw))
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, key)
	return nil
}

func sign(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	newCodec := codecFlags(fs)
	keyFile := fs.String("key", "", "private key file")
	content := fs.String("content", "", "content to sign (default: stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	codec, err := newCodec()
	if err != nil {
		return err
	}
	key, err := readKey(*keyFile)
	if err != nil {
		return err
	}
	data, err := readContent(*content, stdin)
	if err != nil {
		return err
	}
	sig, err := codec.Sign(data, key)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, base64.StdEncoding.EncodeToString(sig))
	return nil
}

// check verifies -sig against -pub, or opens -sealed with -key, and compares
// the result with the content.
func check(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	newCodec := codecFlags(fs)
	pubFile := fs.String("pub", "", "public key file (with -sig)")
	keyFile := fs.String("key", "", "private key file (with -sealed)")
	sigB64 := fs.String("sig", "", "base64 signature")
	sealedB64 := fs.String("sealed", "", "base64 sealed content")
	content := fs.String("content", "", "content to check (default: stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	codec, err := newCodec()
	if err != nil {
		return err
	}
	data, err := readContent(*content, stdin)
	if err != nil {
		return err
	}

	switch {
	case *sigB64 != "" && *pubFile != "":
		sig, err := base64.StdEncoding.DecodeString(*sigB64)
		if err != nil {
			return fmt.Errorf("signature: %w", err)
		}
		pub, err := readKey(*pubFile)
		if err != nil {
			return err
		}
		if !codec.Verify(data, sig, pub) {
			return errMismatch
		}
	case *sealedB64 != "" && *keyFile != "":
		sealed, err := base64.StdEncoding.DecodeString(*sealedB64)
		if err != nil {
			return fmt.Errorf("sealed: %w", err)
		}
		key, err := readKey(*keyFile)
		if err != nil {
			return err
		}
		pt, err := codec.Decrypt(sealed, key)
		if err != nil || !bytes.Equal(pt, data) {
			return errMismatch
		}
	default:
		return errors.New("check needs -sig with -pub, or -sealed with -key")
	}
	fmt.Fprintln(stdout, color.GreenString("✓ content matches"))
	return nil
}

func readKey(path string) (string, error) {
	if path == "" {
		return "", errors.New("key file is required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return keycodec.NormalizeKey(string(raw))
}

func readContent(flagValue string, stdin io.Reader) ([]byte, error) {
	if flagValue != "" {
		return []byte(flagValue), nil
	}
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(string(raw), "\n")), nil
}
