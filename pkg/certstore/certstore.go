// Package certstore is the thread-safe domain -> certificate state map:
// it tracks Pending/Ready/Failed lifecycle per domain, delegates
// acquisition and renewal to an ACME collaborator, and serves SNI lookups
// for the reverse proxy.
package certstore

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hearthhq/hearth/pkg/hlog"
	"github.com/hearthhq/hearth/pkg/metrics"
	"github.com/hearthhq/hearth/pkg/types"
)

// renewalWindow is how far before expiry a Ready certificate is
// scheduled for renewal.
const renewalWindow = 15 * 24 * time.Hour

const retryBackoff = 10 * time.Minute

// Issuer obtains and renews certificate material for a set of domains.
// Implemented by an ACME client built on github.com/go-acme/lego/v4.
type Issuer interface {
	Obtain(domains []string) (cert, key []byte, intermediates [][]byte, err error)
	Renew(domains []string, cert, key []byte) (newCert, newKey []byte, intermediates [][]byte, err error)
}

type entry struct {
	cert  types.Certificate
	tlsCert *tls.Certificate
}

// Store is the certificate domain map.
type Store struct {
	mu   sync.RWMutex
	byDomain map[string]*entry

	certRoot string
	issuer   Issuer
	wildcard *tls.Certificate // served when no Ready cert matches the SNI
}

// New constructs a Store writing PEM material under certRoot (the
// ${CONTAINER_ROOT} directory): certificates and keys go to
// certRoot/certs/{domain}, intermediates to certRoot/intermediates.
func New(certRoot string, issuer Issuer) *Store {
	return &Store{
		byDomain: map[string]*entry{},
		certRoot: certRoot,
		issuer:   issuer,
	}
}

// SetWildcard installs the default certificate served when SNI matches no
// Ready domain-specific certificate.
func (s *Store) SetWildcard(cert *tls.Certificate) {
	s.mu.Lock()
	s.wildcard = cert
	s.mu.Unlock()
}

// InsertDomain idempotently registers domain as Pending and kicks off
// acquisition in the background.
func (s *Store) InsertDomain(domain string) {
	s.mu.Lock()
	if _, ok := s.byDomain[domain]; ok {
		s.mu.Unlock()
		return
	}
	s.byDomain[domain] = &entry{cert: types.Certificate{Domain: domain, State: types.CertPending}}
	s.updateStateGaugeLocked()
	s.mu.Unlock()

	go s.acquire(domain)
}

func (s *Store) acquire(domain string) {
	cert, key, intermediates, err := s.issuer.Obtain([]string{domain})
	if err != nil {
		s.markFailed(domain, err)
		return
	}
	s.commit(domain, cert, key, intermediates)
}

func (s *Store) markFailed(domain string, err error) {
	hlog.WithComponent("certstore").Error().Err(err).Str("domain", domain).Msg("certificate acquisition failed")
	metrics.CertAcquisitionsTotal.WithLabelValues("failure").Inc()
	s.mu.Lock()
	e, ok := s.byDomain[domain]
	if ok {
		e.cert.State = types.CertFailed
		e.cert.LastAttempt = time.Now()
		e.cert.FailureCount++
	}
	s.updateStateGaugeLocked()
	s.mu.Unlock()
}

func (s *Store) commit(domain string, certPEM, keyPEM []byte, intermediates [][]byte) {
	certPath, keyPath, intermediatePaths, err := s.writeToDisk(domain, certPEM, keyPEM, intermediates)
	if err != nil {
		s.markFailed(domain, err)
		return
	}
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		s.markFailed(domain, err)
		return
	}
	notAfter, err := parseNotAfter(certPEM)
	if err != nil {
		s.markFailed(domain, err)
		return
	}

	metrics.CertAcquisitionsTotal.WithLabelValues("success").Inc()
	s.mu.Lock()
	s.byDomain[domain] = &entry{
		cert: types.Certificate{
			Domain:            domain,
			State:             types.CertReady,
			CertPath:          certPath,
			KeyPath:           keyPath,
			IntermediatePaths: intermediatePaths,
			NotAfter:          notAfter,
			LastAttempt:       time.Now(),
		},
		tlsCert: &tlsCert,
	}
	s.updateStateGaugeLocked()
	s.mu.Unlock()
}

// updateStateGaugeLocked refreshes the per-state domain count gauge.
// Callers must hold s.mu.
func (s *Store) updateStateGaugeLocked() {
	counts := map[types.CertState]int{}
	for _, e := range s.byDomain {
		counts[e.cert.State]++
	}
	for _, state := range []types.CertState{types.CertPending, types.CertReady, types.CertFailed} {
		metrics.CertificatesTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func parseNotAfter(certPEM []byte) (time.Time, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return time.Time{}, fmt.Errorf("decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse certificate: %w", err)
	}
	return cert.NotAfter, nil
}

func (s *Store) writeToDisk(domain string, certPEM, keyPEM []byte, intermediates [][]byte) (certPath, keyPath string, intermediatePaths []string, err error) {
	dir := filepath.Join(s.certRoot, "certs", domain)
	if err = os.MkdirAll(dir, 0700); err != nil {
		return "", "", nil, fmt.Errorf("create cert dir: %w", err)
	}
	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	if err = os.WriteFile(certPath, certPEM, 0600); err != nil {
		return "", "", nil, fmt.Errorf("write cert: %w", err)
	}
	if err = os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return "", "", nil, fmt.Errorf("write key: %w", err)
	}
	interDir := filepath.Join(s.certRoot, "intermediates")
	if err = os.MkdirAll(interDir, 0700); err != nil {
		return "", "", nil, fmt.Errorf("create intermediates dir: %w", err)
	}
	for _, pem := range intermediates {
		sum := sha256.Sum256(pem)
		path := filepath.Join(interDir, hex.EncodeToString(sum[:])+".pem")
		if err = os.WriteFile(path, pem, 0600); err != nil {
			return "", "", nil, fmt.Errorf("write intermediate: %w", err)
		}
		intermediatePaths = append(intermediatePaths, path)
	}
	return certPath, keyPath, intermediatePaths, nil
}

// GetForSNI returns the certificate to serve for serverName: the Ready
// domain-specific certificate if one exists, else the default wildcard.
func (s *Store) GetForSNI(serverName string) *tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.byDomain[serverName]; ok && e.cert.State == types.CertReady {
		return e.tlsCert
	}
	return s.wildcard
}

// Get returns the current record for domain, if tracked.
func (s *Store) Get(domain string) (types.Certificate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byDomain[domain]
	if !ok {
		return types.Certificate{}, false
	}
	return e.cert, true
}

// List returns a snapshot of every tracked certificate record, for the
// management API's GET /v1/certs listing.
func (s *Store) List() []types.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Certificate, 0, len(s.byDomain))
	for _, e := range s.byDomain {
		out = append(out, e.cert)
	}
	return out
}

// StartRenewalLoop runs RenewalSweep every interval until ctx is
// cancelled, the background half of the certificate lifecycle.
func (s *Store) StartRenewalLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RenewalSweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RenewalSweep scans Ready entries expiring within the renewal window and
// schedules renewal; Failed entries past their backoff are retried. Run on
// a background ticker by the caller.
func (s *Store) RenewalSweep() {
	s.mu.RLock()
	var toRenew, toRetry []string
	now := time.Now()
	for domain, e := range s.byDomain {
		switch e.cert.State {
		case types.CertReady:
			if e.cert.NotAfter.Sub(now) < renewalWindow {
				toRenew = append(toRenew, domain)
			}
		case types.CertFailed:
			if now.Sub(e.cert.LastAttempt) > retryBackoff {
				toRetry = append(toRetry, domain)
			}
		}
	}
	s.mu.RUnlock()

	for _, domain := range toRenew {
		s.renew(domain)
	}
	for _, domain := range toRetry {
		go s.acquire(domain)
	}
}

func (s *Store) renew(domain string) {
	s.mu.RLock()
	e, ok := s.byDomain[domain]
	s.mu.RUnlock()
	if !ok {
		return
	}
	certPEM, err := os.ReadFile(e.cert.CertPath)
	if err != nil {
		s.markFailed(domain, err)
		return
	}
	keyPEM, err := os.ReadFile(e.cert.KeyPath)
	if err != nil {
		s.markFailed(domain, err)
		return
	}
	newCert, newKey, intermediates, err := s.issuer.Renew([]string{domain}, certPEM, keyPEM)
	if err != nil {
		s.markFailed(domain, err)
		return
	}
	s.commit(domain, newCert, newKey, intermediates)
}
