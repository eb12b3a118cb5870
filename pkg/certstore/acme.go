package certstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
)

// ACMEUser implements lego's registration.User.
type ACMEUser struct {
	Email        string
	Registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *ACMEUser) GetEmail() string                        { return u.Email }
func (u *ACMEUser) GetRegistration() *registration.Resource  { return u.Registration }
func (u *ACMEUser) GetPrivateKey() crypto.PrivateKey         { return u.key }

// HTTP01Provider answers ACME HTTP-01 challenges by handing tokens to the
// reverse proxy's well-known challenge handler.
type HTTP01Provider struct {
	mu         sync.RWMutex
	challenges map[string]map[string]string
}

func NewHTTP01Provider() *HTTP01Provider {
	return &HTTP01Provider{challenges: make(map[string]map[string]string)}
}

func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.challenges[domain] == nil {
		p.challenges[domain] = make(map[string]string)
	}
	p.challenges[domain][token] = keyAuth
	return nil
}

func (p *HTTP01Provider) CleanUp(domain, token, keyAuth string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.challenges[domain]; ok {
		delete(m, token)
		if len(m) == 0 {
			delete(p.challenges, domain)
		}
	}
	return nil
}

// GetKeyAuth is consulted by the proxy's /.well-known/acme-challenge/ handler.
func (p *HTTP01Provider) GetKeyAuth(domain, token string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if m, ok := p.challenges[domain]; ok {
		v, ok := m[token]
		return v, ok
	}
	return "", false
}

// ACMEIssuer implements Issuer on top of go-acme/lego, using HTTP-01
// challenges answered by an embedded HTTP01Provider.
type ACMEIssuer struct {
	mu       sync.Mutex
	client   *lego.Client
	user     *ACMEUser
	Provider *HTTP01Provider
}

// NewACMEIssuer registers an ACME account against caDirURL (staging or
// production Let's Encrypt) and returns an Issuer ready to obtain/renew.
func NewACMEIssuer(caDirURL, email string) (*ACMEIssuer, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate acme account key: %w", err)
	}

	user := &ACMEUser{Email: email, key: privateKey}
	config := lego.NewConfig(user)
	config.CADirURL = caDirURL
	config.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create lego client: %w", err)
	}

	provider := NewHTTP01Provider()
	if err := client.Challenge.SetHTTP01Provider(provider); err != nil {
		return nil, fmt.Errorf("set http-01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("register acme account: %w", err)
	}
	user.Registration = reg

	return &ACMEIssuer{client: client, user: user, Provider: provider}, nil
}

func (a *ACMEIssuer) Obtain(domains []string) (cert, key []byte, intermediates [][]byte, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res, err := a.client.Certificate.Obtain(certificate.ObtainRequest{Domains: domains, Bundle: true})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("obtain certificate: %w", err)
	}
	return res.Certificate, res.PrivateKey, splitIntermediates(res.IssuerCertificate), nil
}

func (a *ACMEIssuer) Renew(domains []string, certPEM, keyPEM []byte) (newCert, newKey []byte, intermediates [][]byte, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	res, err := a.client.Certificate.Renew(certificate.Resource{
		Domain:      domains[0],
		Certificate: certPEM,
		PrivateKey:  keyPEM,
	}, true, false, "")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("renew certificate: %w", err)
	}
	return res.Certificate, res.PrivateKey, splitIntermediates(res.IssuerCertificate), nil
}

// splitIntermediates returns the issuer chain as a single-element slice;
// lego already bundles the full chain behind IssuerCertificate.
func splitIntermediates(issuerCert []byte) [][]byte {
	if len(issuerCert) == 0 {
		return nil
	}
	return [][]byte{issuerCert}
}
