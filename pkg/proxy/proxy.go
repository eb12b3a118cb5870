// Package proxy is the hostname-routed HTTPS reverse proxy: it
// terminates TLS using the certificate store, parses the inbound Host
// against the label grammar, resolves the target deployment against the
// world model, wakes it on demand and proxies once it is Ready. DB
// hostnames (--libsql, -insert) bypass the app container and resolve to
// the project's production or branch SQL server instead.
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hearthhq/hearth/pkg/auth"
	"github.com/hearthhq/hearth/pkg/certstore"
	"github.com/hearthhq/hearth/pkg/container"
	"github.com/hearthhq/hearth/pkg/hearterr"
	"github.com/hearthhq/hearth/pkg/hlog"
	"github.com/hearthhq/hearth/pkg/label"
	"github.com/hearthhq/hearth/pkg/metrics"
	"github.com/hearthhq/hearth/pkg/types"
)

// WorldView is the subset of the world model the proxy needs to resolve a
// request. Satisfied by *worldmap.Map.
type WorldView interface {
	GetDeployment(projectID, urlSlug string) (*container.Container, bool)
	GetProdDeployment(projectID string) (*container.Container, bool)
	ResolveProject(nameOrDomain string) (types.Project, bool)
}

// RequestTimeout bounds how long a request waits for a container to
// become Ready before failing with 504.
const RequestTimeout = 30 * time.Second

// Proxy is the hostname-routed HTTPS reverse proxy.
type Proxy struct {
	world     WorldView
	dbs       container.DBProvisioner
	certs     *certstore.Store
	auth      auth.TokenValidator
	boxDomain string
	challenge *certstore.HTTP01Provider

	httpServer  *http.Server
	httpsServer *http.Server
}

// New constructs a Proxy. dbs resolves --libsql/-insert hostnames to the
// project's SQL server containers; challenge may be nil if ACME HTTP-01 is
// disabled.
func New(world WorldView, dbs container.DBProvisioner, certs *certstore.Store, validator auth.TokenValidator, boxDomain string, challenge *certstore.HTTP01Provider) *Proxy {
	return &Proxy{
		world:     world,
		dbs:       dbs,
		certs:     certs,
		auth:      validator,
		boxDomain: boxDomain,
		challenge: challenge,
	}
}

// Start serves HTTP on :80 (ACME challenges + redirect) and HTTPS on :443
// until ctx is cancelled, then shuts both down gracefully.
func (p *Proxy) Start(ctx context.Context) error {
	p.httpServer = &http.Server{
		Addr:         ":80",
		Handler:      http.HandlerFunc(p.handleHTTP),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	p.httpsServer = &http.Server{
		Addr:         ":443",
		Handler:      http.HandlerFunc(p.handleRequest),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
				cert := p.certs.GetForSNI(hello.ServerName)
				if cert == nil {
					return nil, fmt.Errorf("no certificate available for %s", hello.ServerName)
				}
				return cert, nil
			},
		},
	}

	httpListener, err := net.Listen("tcp", p.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen :80: %w", err)
	}
	go func() {
		if err := p.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			hlog.WithComponent("proxy").Error().Err(err).Msg("http server error")
		}
	}()

	httpsListener, err := net.Listen("tcp", p.httpsServer.Addr)
	if err != nil {
		return fmt.Errorf("listen :443: %w", err)
	}
	go func() {
		tlsListener := tls.NewListener(httpsListener, p.httpsServer.TLSConfig)
		if err := p.httpsServer.Serve(tlsListener); err != nil && err != http.ErrServerClosed {
			hlog.WithComponent("proxy").Error().Err(err).Msg("https server error")
		}
	}()

	<-ctx.Done()
	hlog.Info("shutting down reverse proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.httpServer.Shutdown(shutdownCtx); err != nil {
		hlog.WithComponent("proxy").Error().Err(err).Msg("http shutdown error")
	}
	if err := p.httpsServer.Shutdown(shutdownCtx); err != nil {
		hlog.WithComponent("proxy").Error().Err(err).Msg("https shutdown error")
	}
	return nil
}

const acmeChallengePrefix = "/.well-known/acme-challenge/"

// handleHTTP answers ACME HTTP-01 challenges; everything else redirects
// to HTTPS.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if p.challenge != nil && len(r.URL.Path) > len(acmeChallengePrefix) && r.URL.Path[:len(acmeChallengePrefix)] == acmeChallengePrefix {
		token := r.URL.Path[len(acmeChallengePrefix):]
		if keyAuth, ok := p.challenge.GetKeyAuth(r.Host, token); ok {
			w.Write([]byte(keyAuth))
			return
		}
		http.NotFound(w, r)
		return
	}
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// fail writes status with body and records the outcome.
func fail(w http.ResponseWriter, kind label.Kind, status int, body string) {
	metrics.ProxyRequestsTotal.WithLabelValues(kind.String(), strconv.Itoa(status)).Inc()
	http.Error(w, body, status)
}

// handleRequest implements the routing algorithm: parse the Host,
// gate on visibility, wake the target and proxy.
func (p *Proxy) handleRequest(w http.ResponseWriter, r *http.Request) {
	timer := metrics.NewTimer()
	l, project, err := p.resolveLabel(r.Host)
	if err != nil {
		hlog.WithComponent("proxy").Debug().Str("host", r.Host).Err(err).Msg("unresolved host")
		metrics.ProxyRequestsTotal.WithLabelValues(l.Kind.String(), "404").Inc()
		http.NotFound(w, r)
		return
	}
	defer timer.ObserveDurationVec(metrics.ProxyRequestDuration, l.Kind.String())

	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	switch l.Kind {
	case label.Prod, label.Deployment:
		p.serveApp(ctx, w, r, l, project)
	case label.ProdDB:
		p.serveProdDB(ctx, w, r, l, project)
	case label.BranchDB, label.DeploymentInsert:
		p.serveBranchDB(ctx, w, r, l, project)
	}
}

// serveApp wakes the deployment's app container and proxies to it.
func (p *Proxy) serveApp(ctx context.Context, w http.ResponseWriter, r *http.Request, l label.Label, project types.Project) {
	c, ok := p.appContainer(l, project)
	if !ok {
		fail(w, l.Kind, http.StatusNotFound, "unknown deployment")
		return
	}
	if err := p.checkVisibility(r, c); err != nil {
		p.failAuth(w, l, err)
		return
	}
	if !p.wake(ctx, w, l, c) {
		return
	}
	c.TouchRequest()
	p.forward(w, r, c.IP(), l)
}

// serveProdDB resolves the project's production SQL server, gated by the
// production deployment's visibility when one exists.
func (p *Proxy) serveProdDB(ctx context.Context, w http.ResponseWriter, r *http.Request, l label.Label, project types.Project) {
	if c, ok := p.world.GetProdDeployment(project.ID); ok {
		if err := p.checkVisibility(r, c); err != nil {
			p.failAuth(w, l, err)
			return
		}
	}
	db, err := p.dbs.EnsureProductionDB(ctx, project.ID)
	if err != nil {
		hlog.WithComponent("proxy").Error().Err(err).Str("project", project.ID).Msg("production db wake failed")
		fail(w, l.Kind, http.StatusBadGateway, "database failed to start")
		return
	}
	p.forwardURL(w, r, db.URL, l)
}

// serveBranchDB resolves a deployment's branch SQL server. The -insert
// write hostname requires an admin token regardless of visibility;
// read-only -libsql follows the deployment's own gate.
func (p *Proxy) serveBranchDB(ctx context.Context, w http.ResponseWriter, r *http.Request, l label.Label, project types.Project) {
	c, ok := p.world.GetDeployment(project.ID, l.Deployment)
	if !ok {
		fail(w, l.Kind, http.StatusNotFound, "unknown deployment")
		return
	}

	var err error
	if l.InsertEnabled() {
		err = p.auth.RequireAdmin(bearerToken(r))
	} else {
		err = p.checkVisibility(r, c)
	}
	if err != nil {
		p.failAuth(w, l, err)
		return
	}

	db, err := p.dbs.ForkBranchDB(ctx, project.ID, c.Deployment().ID)
	if err != nil {
		hlog.WithComponent("proxy").Error().Err(err).Str("deployment", c.Deployment().ID).Msg("branch db wake failed")
		fail(w, l.Kind, http.StatusBadGateway, "database failed to start")
		return
	}
	p.forwardURL(w, r, db.URL, l)
}

// resolveLabel parses Host down to a label and its project: a custom
// domain maps straight to the project's production app; otherwise the
// label grammar names project (+ deployment) directly.
func (p *Proxy) resolveLabel(host string) (label.Label, types.Project, error) {
	if project, ok := p.world.ResolveProject(host); ok {
		return label.Label{Kind: label.Prod, Project: project.Name}, project, nil
	}

	l, err := label.Strip(host, p.boxDomain)
	if err != nil {
		return label.Label{}, types.Project{}, hearterr.Wrap(hearterr.NotFound, err, "unrecognized hostname")
	}
	project, ok := p.world.ResolveProject(l.Project)
	if !ok {
		return l, types.Project{}, hearterr.NotFoundf("unknown project %s", l.Project)
	}
	return l, project, nil
}

// appContainer resolves the label's target app container.
func (p *Proxy) appContainer(l label.Label, project types.Project) (*container.Container, bool) {
	if l.Kind == label.Prod {
		return p.world.GetProdDeployment(project.ID)
	}
	return p.world.GetDeployment(project.ID, l.Deployment)
}

// checkVisibility enforces the public/private gate: Private always needs a
// token, Standard needs one off the default branch.
func (p *Proxy) checkVisibility(r *http.Request, c *container.Container) error {
	d := c.Deployment()
	requiresAuth := d.Config.Visibility == types.VisibilityPrivate ||
		(d.Config.Visibility == types.VisibilityStandard && !d.IsDefaultBranch)
	if !requiresAuth {
		return nil
	}
	return p.auth.RequireUser(bearerToken(r))
}

func (p *Proxy) failAuth(w http.ResponseWriter, l label.Label, err error) {
	status := http.StatusForbidden
	if hearterr.KindOf(err) == hearterr.Unauthorized {
		status = http.StatusUnauthorized
	}
	fail(w, l.Kind, status, err.Error())
}

// wake blocks until the container is Ready or the deadline/build fails,
// writing the 502/504 response itself on failure.
func (p *Proxy) wake(ctx context.Context, w http.ResponseWriter, l label.Label, c *container.Container) bool {
	if err := c.EnqueueUp(ctx, ""); err != nil {
		if ctx.Err() != nil {
			fail(w, l.Kind, http.StatusGatewayTimeout, "deployment did not become ready in time")
			return false
		}
		fail(w, l.Kind, http.StatusBadGateway, "deployment failed to start: "+err.Error())
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// forward proxies the request to containerIP:80.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, containerIP string, l label.Label) {
	if containerIP == "" {
		fail(w, l.Kind, http.StatusBadGateway, "deployment has no network address")
		return
	}
	p.forwardURL(w, r, fmt.Sprintf("http://%s:80", containerIP), l)
}

// forwardURL reverse-proxies to rawURL, preserving the inbound Host header
// and stamping X-Forwarded-* headers.
func (p *Proxy) forwardURL(w http.ResponseWriter, r *http.Request, rawURL string, l label.Label) {
	target, err := url.Parse(rawURL)
	if err != nil || target.Host == "" {
		fail(w, l.Kind, http.StatusBadGateway, "invalid backend address")
		return
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	originalHost := r.Host
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	originalDirector := rp.Director
	rp.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = originalHost
		req.Header.Set("X-Forwarded-For", req.RemoteAddr)
		req.Header.Set("X-Forwarded-Proto", "https")
		req.Header.Set("X-Forwarded-Host", originalHost)
		req.Header.Set("X-Request-Id", requestID)
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		hlog.WithComponent("proxy").Error().Err(err).Str("project", l.Project).Str("request_id", requestID).Msg("upstream proxy error")
		metrics.ProxyRequestsTotal.WithLabelValues(l.Kind.String(), "502").Inc()
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	metrics.ProxyRequestsTotal.WithLabelValues(l.Kind.String(), "200").Inc()
	rp.ServeHTTP(w, r)
}
