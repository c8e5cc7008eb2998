// Package assertion signs per-patient security assertions as JWTs using the
// configured X.509 key pair.
package assertion

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/cert"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/vietddude/ihebatch/internal/core/domain"
)

// DefaultValidity is the lifetime of an assertion.
const DefaultValidity = 5 * time.Minute

// Config holds signer settings.
type Config struct {
	CertFile string
	KeyFile  string
	// KeyID defaults to the hex SHA-256 thumbprint of the certificate.
	KeyID    string
	Validity time.Duration
	// Claims are added to every assertion.
	Claims map[string]any
	Now    func() time.Time
	NewID  func() string
}

type material struct {
	key   crypto.Signer
	leaf  *x509.Certificate
	alg   jwa.SignatureAlgorithm
	kid   string
	chain *cert.Chain
}

// Signer produces signed assertions. It loads its key pair on first use.
type Signer struct {
	cfg  Config
	load func() (*material, error)

	mu  sync.Mutex
	mat *material
}

// NewSigner creates a signer backed by PEM files.
func NewSigner(cfg Config) *Signer {
	s := newSigner(cfg)
	s.load = func() (*material, error) { return loadFiles(s.cfg) }
	return s
}

// NewEphemeralSigner creates a signer with an in-memory self-signed P-256
// certificate. Used for dry runs.
func NewEphemeralSigner(cfg Config, commonName string) (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	s := newSigner(cfg)
	s.load = func() (*material, error) { return newMaterial(s.cfg, key, leaf) }
	return s, nil
}

func newSigner(cfg Config) *Signer {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return "_" + uuid.New().String() }
	}
	return &Signer{cfg: cfg}
}

// Certificate returns the signing certificate, loading it if needed.
func (s *Signer) Certificate() (*x509.Certificate, error) {
	m, err := s.material()
	if err != nil {
		return nil, err
	}
	return m.leaf, nil
}

func (s *Signer) material() (*material, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mat != nil {
		return s.mat, nil
	}
	m, err := s.load()
	if err != nil {
		return nil, err
	}
	s.mat = m
	return m, nil
}

// Sign builds and signs an assertion for req. Certificate problems are
// returned as *domain.CertificateError, signing failures as
// *domain.SigningError.
func (s *Signer) Sign(ctx context.Context, req domain.AssertionRequest) (*domain.SignedAssertion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Issuer == "" {
		return nil, &domain.ConfigurationError{Key: "assertion.issuer", Reason: "issuer is empty"}
	}
	m, err := s.material()
	if err != nil {
		return nil, err
	}

	now := s.cfg.Now()
	if err := checkValidity(s.cfg.CertFile, m.leaf, now); err != nil {
		return nil, err
	}

	id := s.cfg.NewID()
	expires := now.Add(s.cfg.Validity)
	if expires.After(m.leaf.NotAfter) {
		expires = m.leaf.NotAfter
	}

	b := jwt.NewBuilder().
		JwtID(id).
		Issuer(req.Issuer).
		Subject(req.Subject).
		IssuedAt(now).
		NotBefore(now).
		Expiration(expires)
	if req.Audience != "" {
		b = b.Audience([]string{req.Audience})
	}
	for k, v := range s.cfg.Claims {
		b = b.Claim(k, v)
	}
	token, err := b.Build()
	if err != nil {
		return nil, &domain.SigningError{Subject: req.Subject, Err: err}
	}

	headers := jws.NewHeaders()
	_ = headers.Set(jws.KeyIDKey, m.kid)
	_ = headers.Set(jws.TypeKey, "JWT")
	_ = headers.Set(jws.X509CertChainKey, m.chain)

	signed, err := jwt.Sign(token,
		jwt.WithKey(
			m.alg,
			m.key,
			jws.WithProtectedHeaders(headers),
		),
	)
	if err != nil {
		return nil, &domain.SigningError{Subject: req.Subject, Err: err}
	}

	return &domain.SignedAssertion{
		ID:        id,
		Subject:   req.Subject,
		Issuer:    req.Issuer,
		IssuedAt:  now,
		ExpiresAt: expires,
		Token:     string(signed),
	}, nil
}

func loadFiles(cfg Config) (*material, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, &domain.ConfigurationError{Key: "assertion.cert_file", Reason: "certificate and key files are required"}
	}
	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, &domain.CertificateError{Path: cfg.CertFile, Reason: "cannot load key pair", Err: err}
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, &domain.CertificateError{Path: cfg.CertFile, Reason: "cannot parse certificate", Err: err}
	}
	key, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, &domain.CertificateError{Path: cfg.KeyFile, Reason: "private key cannot sign"}
	}
	return newMaterial(cfg, key, leaf)
}

func newMaterial(cfg Config, key crypto.Signer, leaf *x509.Certificate) (*material, error) {
	alg, err := algorithmFor(key)
	if err != nil {
		return nil, &domain.CertificateError{Path: cfg.KeyFile, Reason: err.Error()}
	}
	kid := cfg.KeyID
	if kid == "" {
		sum := sha256.Sum256(leaf.Raw)
		kid = hex.EncodeToString(sum[:])
	}
	var chain cert.Chain
	if err := chain.AddString(base64.StdEncoding.EncodeToString(leaf.Raw)); err != nil {
		return nil, &domain.CertificateError{Path: cfg.CertFile, Reason: "cannot encode certificate chain", Err: err}
	}
	return &material{key: key, leaf: leaf, alg: alg, kid: kid, chain: &chain}, nil
}

func algorithmFor(key crypto.Signer) (jwa.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jwa.ES256, nil
		case elliptic.P384():
			return jwa.ES384, nil
		case elliptic.P521():
			return jwa.ES512, nil
		}
		return "", fmt.Errorf("unsupported curve %s", k.Curve.Params().Name)
	case *rsa.PrivateKey:
		return jwa.RS256, nil
	case ed25519.PrivateKey:
		return jwa.EdDSA, nil
	}
	return "", fmt.Errorf("unsupported key type %T", key)
}

func checkValidity(path string, leaf *x509.Certificate, now time.Time) error {
	if now.Before(leaf.NotBefore) {
		return &domain.CertificateError{
			Path:   path,
			Reason: "certificate not valid before " + leaf.NotBefore.UTC().Format(time.RFC3339),
		}
	}
	if now.After(leaf.NotAfter) {
		return &domain.CertificateError{
			Path:   path,
			Reason: "certificate expired at " + leaf.NotAfter.UTC().Format(time.RFC3339),
		}
	}
	return nil
}
