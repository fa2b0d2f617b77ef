package relay

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrPeerIdentity is returned when a relay certificate cannot identify the relay.
var ErrPeerIdentity = errors.New("relay identity unavailable")

// committeeExtension carries the committee digest in the relay certificate.
var committeeExtension = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 59164, 7, 1}

const certLifetime = 365 * 24 * time.Hour

// relayIdentity is what a client learns from the relay's certificate.
type relayIdentity struct {
	Key       ed25519.PublicKey
	Committee []byte // Committee is the committee digest; nil when unbound
}

// relayCertificate self-signs a server certificate for the relay's Ed25519
// key. A non-nil committee digest is embedded as a non-critical extension.
func relayCertificate(privateKey ed25519.PrivateKey, committee []byte) (tls.Certificate, error) {
	publicKey := privateKey.Public().(ed25519.PublicKey)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number:\n%w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "pulse-relay-" + hex.EncodeToString(publicKey[:8])},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if committee != nil {
		value, err := asn1.Marshal(committee)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("encode committee digest:\n%w", err)
		}
		template.ExtraExtensions = []pkix.Extension{{Id: committeeExtension, Value: value}}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, publicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate:\n%w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate:\n%w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: privateKey, Leaf: leaf}, nil
}

// peerIdentity reads the relay key and committee digest from the peer's
// leaf certificate.
func peerIdentity(state tls.ConnectionState) (relayIdentity, error) {
	if len(state.PeerCertificates) == 0 {
		return relayIdentity{}, fmt.Errorf("%w: no peer certificate", ErrPeerIdentity)
	}
	leaf := state.PeerCertificates[0]

	key, ok := leaf.PublicKey.(ed25519.PublicKey)
	if !ok {
		return relayIdentity{}, fmt.Errorf("%w: certificate key is %T, not ed25519", ErrPeerIdentity, leaf.PublicKey)
	}

	id := relayIdentity{Key: key}

	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(committeeExtension) {
			continue
		}

		var digest []byte
		if rest, err := asn1.Unmarshal(ext.Value, &digest); err != nil || len(rest) != 0 {
			return relayIdentity{}, fmt.Errorf("%w: malformed committee extension", ErrPeerIdentity)
		}
		if len(digest) != committeeDigestSize {
			return relayIdentity{}, fmt.Errorf("%w: committee digest size %d", ErrPeerIdentity, len(digest))
		}
		id.Committee = digest
	}

	return id, nil
}
