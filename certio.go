package netcore

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"time"
)

const (
	certPEMBlockType = "CERTIFICATE"
	keyPEMBlockType  = "EC PRIVATE KEY"
)

// GenerateSelfSigned creates a fresh ECDSA keypair on DefaultCurve and a
// self-signed leaf certificate over it, satisfying
// ValidatePeerCertificate. This is the node's own key-ceremony tool; a
// production deployment with a real CA or HSM-backed key is out of scope
// (SPEC_FULL.md §1).
func GenerateSelfSigned(commonName string, validFor time.Duration) (*TlsCert, error) {
	priv, err := ecdsa.GenerateKey(DefaultCurve, rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	return NewTlsCert(der, priv)
}

// SaveTlsCert PEM-encodes cert's leaf and private key to certPath/keyPath.
func SaveTlsCert(cert *TlsCert, certPath, keyPath string) error {
	certBlock := &pem.Block{Type: certPEMBlockType, Bytes: cert.leaf.Raw}
	if err := writePEMFile(certPath, certBlock); err != nil {
		return err
	}

	keyDER, err := x509.MarshalECPrivateKey(cert.privateKey)
	if err != nil {
		return err
	}
	keyBlock := &pem.Block{Type: keyPEMBlockType, Bytes: keyDER}
	return writePEMFile(keyPath, keyBlock)
}

func writePEMFile(path string, block *pem.Block) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, block)
}

// LoadTlsCert reads a PEM-encoded certificate and EC private key pair back
// from disk, the inverse of SaveTlsCert.
func LoadTlsCert(certPath, keyPath string) (*TlsCert, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, ErrNoCertificate
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, ErrNoCertificate
	}

	priv, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}
	return NewTlsCert(certBlock.Bytes, priv)
}
