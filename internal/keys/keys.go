// Package keys implements the Key Manager: generates Ed25519, RSA, and
// ECDSA keypairs and writes them as OpenSSH-formatted private/public
// key files, following the PEM-encoding pattern the reverse-tunnel
// server uses for its own host key.
package keys

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/Ducheved/catsolle/internal/apperr"
)

// Algorithm selects which keypair type to generate.
type Algorithm int

const (
	AlgorithmEd25519 Algorithm = iota
	AlgorithmRSA
	AlgorithmECDSA256
	AlgorithmECDSA384
	AlgorithmECDSA521
)

// GenerateOptions controls keypair generation.
type GenerateOptions struct {
	Algorithm  Algorithm
	RSABits    int // default 4096, only used when Algorithm == AlgorithmRSA
	Passphrase string
	Comment    string
}

// Result is returned from Generate.
type Result struct {
	PrivateKeyPath string
	PublicKeyPath  string
	Fingerprint    string // SHA-256 of the public key, OpenSSH "SHA256:..." form
}

// Generate creates a new keypair and writes it to dir/name (private)
// and dir/name.pub (public).
func Generate(dir, name string, opts GenerateOptions) (*Result, error) {
	if opts.RSABits == 0 {
		opts.RSABits = 4096
	}

	var signer ssh.Signer
	var pemBlock *pem.Block
	var pub ssh.PublicKey
	var err error

	switch opts.Algorithm {
	case AlgorithmEd25519:
		var priv ed25519.PrivateKey
		_, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("keys: generate ed25519: %w", err)
		}
		pemBlock, signer, pub, err = marshalPrivate(priv, opts.Passphrase)
	case AlgorithmRSA:
		var priv *rsa.PrivateKey
		priv, err = rsa.GenerateKey(rand.Reader, opts.RSABits)
		if err != nil {
			return nil, fmt.Errorf("keys: generate rsa: %w", err)
		}
		pemBlock, signer, pub, err = marshalPrivate(priv, opts.Passphrase)
	case AlgorithmECDSA256, AlgorithmECDSA384, AlgorithmECDSA521:
		var priv *ecdsa.PrivateKey
		priv, err = ecdsa.GenerateKey(curveFor(opts.Algorithm), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("keys: generate ecdsa: %w", err)
		}
		pemBlock, signer, pub, err = marshalPrivate(priv, opts.Passphrase)
	default:
		return nil, fmt.Errorf("keys: %w: unknown algorithm", apperr.ErrInvalid)
	}
	if err != nil {
		return nil, err
	}
	_ = signer

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	privPath := filepath.Join(dir, name)
	pubPath := privPath + ".pub"

	if err := os.WriteFile(privPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		return nil, fmt.Errorf("keys: write private key: %w", err)
	}

	pubLine := ssh.MarshalAuthorizedKey(pub)
	if opts.Comment != "" {
		pubLine = append(pubLine[:len(pubLine)-1], []byte(" "+opts.Comment+"\n")...)
	}
	if err := os.WriteFile(pubPath, pubLine, 0o644); err != nil {
		return nil, fmt.Errorf("keys: write public key: %w", err)
	}

	return &Result{
		PrivateKeyPath: privPath,
		PublicKeyPath:  pubPath,
		Fingerprint:    Fingerprint(pub),
	}, nil
}

func curveFor(alg Algorithm) elliptic.Curve {
	switch alg {
	case AlgorithmECDSA384:
		return elliptic.P384()
	case AlgorithmECDSA521:
		return elliptic.P521()
	default:
		return elliptic.P256()
	}
}

func marshalPrivate(key any, passphrase string) (*pem.Block, ssh.Signer, ssh.PublicKey, error) {
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("keys: signer from key: %w", err)
	}

	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, "", []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(key, "")
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("keys: marshal private key: %w", err)
	}
	return block, signer, signer.PublicKey(), nil
}

// Fingerprint returns the SHA-256 fingerprint of pub in OpenSSH
// "SHA256:<base64>" form.
func Fingerprint(pub ssh.PublicKey) string {
	sum := sha256.Sum256(pub.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// LoadPrivateKey reads and parses an OpenSSH private key file, which
// may be passphrase-encrypted.
func LoadPrivateKey(path, passphrase string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keys: read %s: %w", path, err)
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("keys: %w: %w", apperr.ErrSSHAuth, err)
	}
	return signer, nil
}

// LoadCertificate reads an OpenSSH certificate file and pairs it with
// the given private-key signer to produce a certificate-backed signer.
func LoadCertificate(certPath string, keySigner ssh.Signer) (ssh.Signer, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("keys: read cert %s: %w", certPath, err)
	}
	pub, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, fmt.Errorf("keys: parse certificate: %w", err)
	}
	cert, ok := pub.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("keys: %w: not a certificate", apperr.ErrInvalid)
	}
	return ssh.NewCertSigner(cert, keySigner)
}
