// Package proxy builds the grpc server and client transports for the relay ingress.
// With TLS enabled the relay's identity key signs the certificate authority, and clients
// pin the relay by its public key instead of trusting a CA bundle.
package proxy

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"time"

	sgo "github.com/gagliardetto/solana-go"
	"google.golang.org/grpc/credentials"
)

func newSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
}

func generateCa(key sgo.PrivateKey, expire time.Time) ([]byte, error) {
	caPrivKey := ed25519.PrivateKey(key)
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}
	ca := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: key.PublicKey().String()},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              expire,
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	return x509.CreateCertificate(rand.Reader, ca, ca, caPrivKey.Public(), caPrivKey)
}

func generateLeaf(caBytes []byte, caPrivKey ed25519.PrivateKey, hosts []string, expire time.Time) ([]byte, ed25519.PrivateKey, error) {
	ca, err := x509.ParseCertificate(caBytes)
	if err != nil {
		return nil, nil, err
	}
	pub, certPrivKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := newSerial()
	if err != nil {
		return nil, nil, err
	}
	cert := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "relay"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     expire,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			cert.IPAddresses = append(cert.IPAddresses, ip)
		} else {
			cert.DNSNames = append(cert.DNSNames, h)
		}
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, cert, ca, pub, caPrivKey)
	if err != nil {
		return nil, nil, err
	}
	return certBytes, certPrivKey, nil
}

// NewCertificateChain returns an ephemeral leaf signed by a CA whose key is the relay's
// identity key.
func NewCertificateChain(key sgo.PrivateKey, hosts []string, expire time.Time) (*tls.Certificate, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, errors.New("bad identity key")
	}
	ca, err := generateCa(key, expire)
	if err != nil {
		return nil, err
	}
	leaf, priv, err := generateLeaf(ca, ed25519.PrivateKey(key), hosts, expire)
	if err != nil {
		return nil, err
	}
	ans := new(tls.Certificate)
	// leaf first
	ans.Certificate = [][]byte{leaf, ca}
	ans.PrivateKey = priv
	return ans, nil
}

// VerifyChain checks that rawCerts is a leaf signed by a CA holding pubkey.
func VerifyChain(rawCerts [][]byte, pubkey sgo.PublicKey) error {
	if len(rawCerts) != 2 {
		return errors.New("expected a leaf and a ca certificate")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return err
	}
	ca, err := x509.ParseCertificate(rawCerts[1])
	if err != nil {
		return err
	}
	caKey, ok := ca.PublicKey.(ed25519.PublicKey)
	if !ok || ca.PublicKeyAlgorithm != x509.Ed25519 {
		return errors.New("ca is not an ed25519 certificate")
	}
	if !sgo.PublicKeyFromBytes(caKey).Equals(pubkey) {
		return errors.New("ca does not belong to the relay")
	}
	roots := x509.NewCertPool()
	roots.AddCert(ca)
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

func ServerCredentials(key sgo.PrivateKey, hosts []string) (credentials.TransportCredentials, error) {
	cert, err := NewCertificateChain(key, hosts, time.Now().Add(7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS13,
	}), nil
}

// ClientCredentials pins the relay identity; no CA bundle is consulted.
func ClientCredentials(relay sgo.PublicKey) credentials.TransportCredentials {
	return credentials.NewTLS(&tls.Config{
		// the chain is checked against the pinned key below
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return VerifyChain(rawCerts, relay)
		},
	})
}
