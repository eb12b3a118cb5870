// Command hearthd is the hearth daemon: it wires the persistence store,
// the container runtime adapter, the Git provider, the certificate store
// and the reverse proxy together behind the Manager, then serves until
// signalled to stop.
package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthhq/hearth/pkg/api"
	"github.com/hearthhq/hearth/pkg/auth"
	"github.com/hearthhq/hearth/pkg/certstore"
	"github.com/hearthhq/hearth/pkg/container"
	"github.com/hearthhq/hearth/pkg/dbprovisioner"
	"github.com/hearthhq/hearth/pkg/gitprovider"
	"github.com/hearthhq/hearth/pkg/hlog"
	"github.com/hearthhq/hearth/pkg/manager"
	"github.com/hearthhq/hearth/pkg/metrics"
	"github.com/hearthhq/hearth/pkg/nixpacks"
	"github.com/hearthhq/hearth/pkg/proxy"
	"github.com/hearthhq/hearth/pkg/runtime"
	"github.com/hearthhq/hearth/pkg/storage"
	"github.com/hearthhq/hearth/pkg/types"
)

var (
	// Version information (set via ldflags during build).
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hearthd",
	Short: "hearthd runs the hearth single-host PaaS daemon",
	Long: `hearthd continuously synthesizes, builds, runs and fronts HTTP
apps as isolated containers for a set of tracked Git repositories,
exposing a stable production URL and per-branch preview URLs behind a
built-in TLS-terminating reverse proxy.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hearthd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	hlog.Init(hlog.Config{
		Level:      hlog.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reconciliation loop and the reverse proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configPath, _ := cmd.Flags().GetString("config"); configPath != "" {
			cfg, err := loadServeConfig(configPath)
			if err != nil {
				return err
			}
			applyConfigDefaults(cmd, cfg)
		}

		dataDir, _ := cmd.Flags().GetString("data-dir")
		containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
		boxDomain, _ := cmd.Flags().GetString("box-domain")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		acmeDirectory, _ := cmd.Flags().GetString("acme-directory")
		acmeEmail, _ := cmd.Flags().GetString("acme-email")
		githubAppID, _ := cmd.Flags().GetInt64("github-app-id")
		githubKeyPath, _ := cmd.Flags().GetString("github-app-key")
		jwtSecret, _ := cmd.Flags().GetString("jwt-secret")
		disableTLS, _ := cmd.Flags().GetBool("disable-tls")

		log := hlog.WithComponent("hearthd")

		if boxDomain == "" {
			return fmt.Errorf("box-domain is required (flag or config file)")
		}

		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		store, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open metadata store: %w", err)
		}
		defer store.Close()

		rt, err := runtime.New(containerdSocket)
		if err != nil {
			return fmt.Errorf("connect container runtime: %w", err)
		}
		defer rt.Close()

		dbSecret, err := loadOrCreateSecret(filepath.Join(dataDir, "db.key"))
		if err != nil {
			return fmt.Errorf("load DB signing secret: %w", err)
		}
		branches := dbprovisioner.New(rt, filepath.Join(dataDir, "dbs"), dbSecret)

		var githubKey []byte
		if githubKeyPath != "" {
			githubKey, err = os.ReadFile(githubKeyPath)
			if err != nil {
				return fmt.Errorf("read GitHub App private key: %w", err)
			}
		}
		gitProvider := gitprovider.New(githubAppID, githubKey)

		var issuer certstore.Issuer = noopIssuer{}
		if !disableTLS {
			issuer, err = certstore.NewACMEIssuer(acmeDirectory, acmeEmail)
			if err != nil {
				return fmt.Errorf("init ACME issuer: %w", err)
			}
		}
		certs := certstore.New(dataDir, issuer)
		challenge := certstore.NewHTTP01Provider()

		wildcardCert, _ := cmd.Flags().GetString("wildcard-cert")
		wildcardKey, _ := cmd.Flags().GetString("wildcard-key")
		if wildcardCert != "" {
			pair, err := tls.LoadX509KeyPair(wildcardCert, wildcardKey)
			if err != nil {
				return fmt.Errorf("load wildcard certificate: %w", err)
			}
			certs.SetWildcard(&pair)
		}

		if jwtSecret == "" {
			jwtSecret, err = loadOrCreateEncodedSecret(filepath.Join(dataDir, "jwt.key"))
			if err != nil {
				return fmt.Errorf("load JWT signing secret: %w", err)
			}
		}
		validator, err := auth.NewHMACValidator(jwtSecret)
		if err != nil {
			return fmt.Errorf("init token validator: %w", err)
		}

		nixGen := &nixpacks.CLIGenerator{}

		newDeps := func(d types.Deployment, p types.Project) container.Deps {
			return container.Deps{
				Runtime: rt,
				Source: &gitprovider.RepoSourceFetcher{
					Provider:       gitProvider,
					InstallationID: p.GithubInstallID,
				},
				Nixpacks: nixGen,
				DB:       branches,
				Store:    store,
			}
		}

		mgr := manager.New(store, certs, newDeps, gitProvider, rt, branches, manager.Config{})
		mgr.Start()
		defer mgr.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		certs.StartRenewalLoop(ctx, time.Hour)

		if err := mgr.SyncWithDB(ctx); err != nil {
			log.Error().Err(err).Msg("initial sync failed, continuing: reconciliation will retry on the next tick")
		}

		p := proxy.New(mgr.World(), branches, certs, validator, boxDomain, challenge)
		proxyErrCh := make(chan error, 1)
		go func() {
			if err := p.Start(ctx); err != nil && err != http.ErrServerClosed {
				proxyErrCh <- err
			}
		}()
		log.Info().Str("box_domain", boxDomain).Msg("reverse proxy listening on :80/:443")

		apiAddr, _ := cmd.Flags().GetString("api-addr")
		apiServer := &http.Server{Addr: apiAddr, Handler: api.NewServer(store, mgr, certs, validator)}
		go func() {
			if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("management API server error")
			}
		}()
		log.Info().Str("addr", apiAddr).Msg("management API listening")

		metrics.SetVersion(Version)
		metrics.RegisterProbe("storage", func() error {
			_, err := store.ListProjects()
			return err
		})
		metrics.RegisterProbe("runtime", func() error {
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer pingCancel()
			return rt.Ping(pingCtx)
		})
		metrics.RegisterProbe("api", func() error { return nil })
		metrics.RegisterProbe("certs", func() error {
			failed := 0
			for _, c := range certs.List() {
				if c.State == types.CertFailed {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d domain(s) failed certificate acquisition", failed)
			}
			return nil
		})

		metricsServer := &http.Server{Addr: metricsAddr}
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
		log.Info().Str("addr", metricsAddr).Msg("metrics/health endpoints listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info().Msg("shutdown signal received")
		case err := <-proxyErrCh:
			log.Error().Err(err).Msg("proxy server error")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		_ = apiServer.Shutdown(shutdownCtx)

		log.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file providing defaults for these flags")
	serveCmd.Flags().String("data-dir", "./hearth-data", "Directory for the metadata store, certs and DB data files")
	serveCmd.Flags().String("containerd-socket", runtime.DefaultSocketPath, "containerd socket path")
	serveCmd.Flags().String("box-domain", "", "Wildcard DNS zone this installation owns (required)")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
	serveCmd.Flags().String("api-addr", "127.0.0.1:8081", "Management API HTTP listen address")
	serveCmd.Flags().String("acme-directory", "https://acme-v02.api.letsencrypt.org/directory", "ACME directory URL")
	serveCmd.Flags().String("acme-email", "", "Contact email for ACME registration")
	serveCmd.Flags().Int64("github-app-id", 0, "GitHub App ID used to mint installation tokens")
	serveCmd.Flags().String("github-app-key", "", "Path to the GitHub App private key (PEM)")
	serveCmd.Flags().String("jwt-secret", "", "Base64-encoded HS256 shared secret for API/proxy bearer tokens")
	serveCmd.Flags().Bool("disable-tls", false, "Skip ACME issuance (serve plain HTTP only, for local dev)")
	serveCmd.Flags().String("wildcard-cert", "", "Path to the default wildcard certificate PEM for the box domain")
	serveCmd.Flags().String("wildcard-key", "", "Path to the default wildcard private key PEM")

	// box-domain may come from the config file instead, so it is validated
	// at startup rather than marked required on the flag set.
}

// noopIssuer backs --disable-tls: every acquisition returns an error, so
// each tracked domain is marked Failed (and retried after the backoff)
// while SNI lookups fall back to the wildcard certificate.
type noopIssuer struct{}

func (noopIssuer) Obtain(domains []string) (cert, key []byte, intermediates [][]byte, err error) {
	return nil, nil, nil, fmt.Errorf("TLS disabled (--disable-tls)")
}

func (noopIssuer) Renew(domains []string, certPEM, keyPEM []byte) (newCert, newKey []byte, intermediates [][]byte, err error) {
	return nil, nil, nil, fmt.Errorf("TLS disabled (--disable-tls)")
}

// loadOrCreateSecret reads a hex-encoded signing secret from path, or
// generates and persists a fresh 32-byte one on first run.
func loadOrCreateSecret(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		return hex.DecodeString(string(data))
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(buf)), 0o600); err != nil {
		return nil, err
	}
	return buf, nil
}

// loadOrCreateEncodedSecret is loadOrCreateSecret's base64 counterpart,
// for the JWT shared secret auth.NewHMACValidator expects.
func loadOrCreateEncodedSecret(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		return string(data), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	encoded := base64.StdEncoding.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return "", err
	}
	return encoded, nil
}
