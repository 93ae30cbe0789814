// Package signature verifies webhook authenticity. Provider adapters build
// the signed message; this package only does the cryptography.
package signature

import (
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"payment-service/internal/pkg/httpclient"
)

var ErrInvalid = errors.New("signature invalid")

func HMACSHA256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// VerifyHMACHex compares the hex encoded expected MAC in constant time.
func VerifyHMACHex(key, message []byte, expectedHex string) bool {
	expected, err := hex.DecodeString(strings.TrimSpace(expectedHex))
	if err != nil {
		return false
	}
	return hmac.Equal(HMACSHA256(key, message), expected)
}

// WithinTolerance rejects signatures whose timestamp is too far from now.
func WithinTolerance(signedAt, now time.Time, tolerance time.Duration) bool {
	if tolerance <= 0 {
		return true
	}
	d := now.Sub(signedAt)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

type CertCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type CertVerifier struct {
	client     httpclient.Doer
	cache      CertCache
	hostSuffix string
	ttl        time.Duration
	roots      *x509.CertPool
	now        func() time.Time
}

type Option func(*CertVerifier)

// WithRoots overrides the system trust store.
func WithRoots(pool *x509.CertPool) Option {
	return func(v *CertVerifier) { v.roots = pool }
}

func WithClock(now func() time.Time) Option {
	return func(v *CertVerifier) { v.now = now }
}

func NewCertVerifier(client httpclient.Doer, cache CertCache, hostSuffix string, ttl time.Duration, opts ...Option) *CertVerifier {
	v := &CertVerifier{
		client:     client,
		cache:      cache,
		hostSuffix: hostSuffix,
		ttl:        ttl,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyRSA fetches the certificate bundle at certURL, validates the chain and
// checks sigB64 as an RSA PKCS#1 v1.5 SHA-256 signature over message.
func (v *CertVerifier) VerifyRSA(ctx context.Context, certURL string, message []byte, sigB64 string) error {
	if err := v.checkURL(certURL); err != nil {
		return err
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: signature encoding", ErrInvalid)
	}

	bundle, err := v.fetch(ctx, certURL)
	if err != nil {
		return err
	}

	leaf, err := v.verifyChain(bundle)
	if err != nil {
		return err
	}

	pub, ok := leaf.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: certificate key is not RSA", ErrInvalid)
	}

	digest := sha256.Sum256(message)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (v *CertVerifier) checkURL(certURL string) error {
	u, err := url.Parse(certURL)
	if err != nil || u.Scheme != "https" {
		return fmt.Errorf("%w: certificate url", ErrInvalid)
	}
	host := u.Hostname()
	if v.hostSuffix == "" || !(host == strings.TrimPrefix(v.hostSuffix, ".") || strings.HasSuffix(host, v.hostSuffix)) {
		return fmt.Errorf("%w: certificate host %q not allowed", ErrInvalid, host)
	}
	return nil
}

func (v *CertVerifier) fetch(ctx context.Context, certURL string) ([]byte, error) {
	if v.cache != nil {
		if pemBytes, ok, err := v.cache.Get(ctx, certURL); err == nil && ok {
			return pemBytes, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch certificate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch certificate: status %d", resp.StatusCode)
	}
	pemBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}

	if v.cache != nil {
		_ = v.cache.Set(ctx, certURL, pemBytes, v.ttl)
	}
	return pemBytes, nil
}

func (v *CertVerifier) verifyChain(bundle []byte) (*x509.Certificate, error) {
	var certs []*x509.Certificate
	for rest := bundle; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parse certificate", ErrInvalid)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: empty certificate bundle", ErrInvalid)
	}

	leaf := certs[0]
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}

	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: certificate chain: %v", ErrInvalid, err)
	}
	return leaf, nil
}
