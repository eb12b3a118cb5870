// Package gitprovider is the adapter onto the upstream Git host: listing
// open pull requests, resolving default branch/commit, downloading commit
// tarballs (recursively resolving submodules), and upserting PR checks.
package gitprovider

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v66/github"
	"github.com/hearthhq/hearth/pkg/hearterr"
	"golang.org/x/oauth2"
)

// Commit is a resolved branch or PR head.
type Commit struct {
	SHA       string
	Branch    string
	Timestamp time.Time
}

// CheckResult is the outcome reported back to a PR's head commit.
type CheckResult struct {
	Name    string
	Success bool
	Summary string
}

// Provider is the Git host adapter used by the Git-sync worker and the
// build engine's source fetcher.
type Provider struct {
	appID         int64
	appPrivateKey []byte

	mu     sync.Mutex // guards tokens, keyed by installation id (no size bound, no LRU eviction)
	tokens map[int64]cachedToken

	botMu sync.Mutex // serializes PR check/comment writes

	httpClient *http.Client

	// MintOverride lets the host application supply its own installation
	// token source (e.g. a cached app JWT signer), mainly for tests.
	MintOverride func(ctx context.Context, installationID int64) (string, error)
}

type cachedToken struct {
	token   string
	expires time.Time
}

const tokenTTL = 30 * time.Minute

// New constructs a Provider. appID/appPrivateKey authenticate as a GitHub
// App; per-installation tokens are minted and cached on demand.
func New(appID int64, appPrivateKey []byte) *Provider {
	return &Provider{
		appID:         appID,
		appPrivateKey: appPrivateKey,
		tokens:        map[int64]cachedToken{},
		httpClient:    http.DefaultClient,
	}
}

// clientFor returns a go-github client authenticated as installationID,
// minting and caching an installation token with 30-min expiry.
func (p *Provider) clientFor(ctx context.Context, installationID int64) (*github.Client, error) {
	token, err := p.installationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return github.NewClient(oauth2.NewClient(ctx, ts)), nil
}

func (p *Provider) installationToken(ctx context.Context, installationID int64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.tokens[installationID]; ok && time.Now().Before(cached.expires) {
		return cached.token, nil
	}

	token, err := p.mintInstallationToken(ctx, installationID)
	if err != nil {
		return "", hearterr.Wrap(hearterr.Upstream, err, "mint installation token")
	}
	p.tokens[installationID] = cachedToken{token: token, expires: time.Now().Add(tokenTTL)}
	return token, nil
}

// mintInstallationToken returns a new installation token from
// MintOverride. It does not sign an app JWT or call GitHub's access-token
// endpoint itself: with no override set it returns an error.
func (p *Provider) mintInstallationToken(ctx context.Context, installationID int64) (string, error) {
	if p.MintOverride != nil {
		return p.MintOverride(ctx, installationID)
	}
	return "", fmt.Errorf("no installation token source configured for app %d", p.appID)
}

// DefaultBranchHead resolves owner/repo's default branch name and its
// current head commit.
func (p *Provider) DefaultBranchHead(ctx context.Context, installationID int64, owner, repo string) (Commit, error) {
	client, err := p.clientFor(ctx, installationID)
	if err != nil {
		return Commit{}, err
	}
	r, _, err := client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return Commit{}, hearterr.Wrap(hearterr.Upstream, err, "get repository")
	}
	branch := r.GetDefaultBranch()
	ref, _, err := client.Repositories.GetBranch(ctx, owner, repo, branch, 1)
	if err != nil {
		return Commit{}, hearterr.Wrap(hearterr.Upstream, err, "get branch head")
	}
	return Commit{
		SHA:       ref.GetCommit().GetSHA(),
		Branch:    branch,
		Timestamp: ref.GetCommit().GetCommit().GetCommitter().GetDate().Time,
	}, nil
}

// OpenPullRequestHeads lists every open PR's head commit.
func (p *Provider) OpenPullRequestHeads(ctx context.Context, installationID int64, owner, repo string) ([]Commit, error) {
	client, err := p.clientFor(ctx, installationID)
	if err != nil {
		return nil, err
	}
	var out []Commit
	opts := &github.PullRequestListOptions{State: "open", ListOptions: github.ListOptions{PerPage: 100}}
	for {
		prs, resp, err := client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, hearterr.Wrap(hearterr.Upstream, err, "list open pull requests")
		}
		for _, pr := range prs {
			out = append(out, Commit{
				SHA:       pr.GetHead().GetSHA(),
				Branch:    pr.GetHead().GetRef(),
				Timestamp: pr.GetUpdatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// UpsertCheck creates a completed check run on sha (each call adds a new
// run; an earlier run of the same name is not updated), serialized through
// the bot mutex so concurrent builds never interleave comments on one PR.
func (p *Provider) UpsertCheck(ctx context.Context, installationID int64, owner, repo, sha string, result CheckResult) error {
	p.botMu.Lock()
	defer p.botMu.Unlock()

	client, err := p.clientFor(ctx, installationID)
	if err != nil {
		return err
	}

	conclusion := "failure"
	if result.Success {
		conclusion = "success"
	}
	status := "completed"
	opts := github.CreateCheckRunOptions{
		Name:       result.Name,
		HeadSHA:    sha,
		Status:     &status,
		Conclusion: &conclusion,
		Output: &github.CheckRunOutput{
			Title:   &result.Name,
			Summary: &result.Summary,
		},
	}
	if _, _, err := client.Checks.CreateCheckRun(ctx, owner, repo, opts); err != nil {
		return hearterr.Wrap(hearterr.Upstream, err, "create check run")
	}
	return nil
}

// GetFileAtRef fetches a single file's contents at sha, used for the
// deployment config file probe.
func (p *Provider) GetFileAtRef(ctx context.Context, installationID int64, owner, repo, path, sha string) ([]byte, error) {
	client, err := p.clientFor(ctx, installationID)
	if err != nil {
		return nil, err
	}
	content, _, _, err := client.Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: sha})
	if err != nil {
		return nil, hearterr.Wrap(hearterr.NotFound, err, "get file at ref")
	}
	decoded, err := content.GetContent()
	if err != nil {
		return nil, hearterr.Wrap(hearterr.Upstream, err, "decode file content")
	}
	return []byte(decoded), nil
}

// DefaultBranchHeadByID is DefaultBranchHead keyed by the repository's
// numeric id, the identity the Git-sync worker holds via a Project row.
func (p *Provider) DefaultBranchHeadByID(ctx context.Context, installationID, repoID int64) (Commit, error) {
	owner, repo, err := p.resolveRepo(ctx, installationID, repoID)
	if err != nil {
		return Commit{}, err
	}
	return p.DefaultBranchHead(ctx, installationID, owner, repo)
}

// OpenPullRequestHeadsByID is OpenPullRequestHeads keyed by repository id.
func (p *Provider) OpenPullRequestHeadsByID(ctx context.Context, installationID, repoID int64) ([]Commit, error) {
	owner, repo, err := p.resolveRepo(ctx, installationID, repoID)
	if err != nil {
		return nil, err
	}
	return p.OpenPullRequestHeads(ctx, installationID, owner, repo)
}

// UpsertCheckByID is UpsertCheck keyed by repository id.
func (p *Provider) UpsertCheckByID(ctx context.Context, installationID, repoID int64, sha string, result CheckResult) error {
	owner, repo, err := p.resolveRepo(ctx, installationID, repoID)
	if err != nil {
		return err
	}
	return p.UpsertCheck(ctx, installationID, owner, repo, sha, result)
}

// GetFileAtRefByID is GetFileAtRef keyed by repository id.
func (p *Provider) GetFileAtRefByID(ctx context.Context, installationID, repoID int64, path, sha string) ([]byte, error) {
	owner, repo, err := p.resolveRepo(ctx, installationID, repoID)
	if err != nil {
		return nil, err
	}
	return p.GetFileAtRef(ctx, installationID, owner, repo, path, sha)
}

// RepoSourceFetcher adapts Provider to container.SourceFetcher: each
// Container actor is wired (via the world model's newDeps callback) to one
// bound to its project's installation, so the generic repoID-keyed
// interface the build engine calls against resolves back to a concrete
// owner/repo without the container package ever depending on GitHub types.
type RepoSourceFetcher struct {
	Provider       *Provider
	InstallationID int64
}

// FetchSource satisfies container.SourceFetcher.
func (f *RepoSourceFetcher) FetchSource(ctx context.Context, repoID int64, sha, root string) (string, func(), error) {
	owner, repo, err := f.Provider.resolveRepo(ctx, f.InstallationID, repoID)
	if err != nil {
		return "", nil, err
	}
	return f.Provider.FetchSource(ctx, f.InstallationID, owner, repo, sha, root)
}

// resolveRepo looks up a repository's owner/name from its stable numeric
// id, the only repo identity this system persists.
func (p *Provider) resolveRepo(ctx context.Context, installationID, repoID int64) (owner, repo string, err error) {
	client, err := p.clientFor(ctx, installationID)
	if err != nil {
		return "", "", err
	}
	r, _, err := client.Repositories.GetByID(ctx, repoID)
	if err != nil {
		return "", "", hearterr.Wrap(hearterr.Upstream, err, "resolve repository by id")
	}
	return r.GetOwner().GetLogin(), r.GetName(), nil
}

// FetchSource downloads sha's tarball, extracts it under root, and
// recursively resolves submodules by parsing .gitmodules and following
// git tree pointers. It satisfies container.SourceFetcher.
func (p *Provider) FetchSource(ctx context.Context, installationID int64, owner, repo, sha, root string) (string, func(), error) {
	tmpDir, err := os.MkdirTemp("", "hearth-src-*")
	if err != nil {
		return "", nil, hearterr.Wrap(hearterr.Transient, err, "create tempdir")
	}
	cleanup := func() { os.RemoveAll(tmpDir) }

	client, err := p.clientFor(ctx, installationID)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	tarballURL, _, err := client.Repositories.GetArchiveLink(ctx, owner, repo, github.Tarball, &github.RepositoryContentGetOptions{Ref: sha}, 1)
	if err != nil {
		cleanup()
		return "", nil, hearterr.Wrap(hearterr.Upstream, err, "get tarball link")
	}

	if err := downloadAndExtractTarball(ctx, tarballURL.String(), tmpDir); err != nil {
		cleanup()
		return "", nil, err
	}

	extractedRoot, err := soleSubdir(tmpDir)
	if err != nil {
		cleanup()
		return "", nil, err
	}

	if err := p.resolveSubmodules(ctx, installationID, owner, repo, sha, extractedRoot, 0); err != nil {
		cleanup()
		return "", nil, err
	}

	dir := extractedRoot
	if root != "" && root != "." {
		dir = filepath.Join(extractedRoot, root)
	}
	return dir, cleanup, nil
}

// downloadAndExtractTarball streams and extracts a GitHub codeload tarball.
func downloadAndExtractTarball(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return hearterr.Wrap(hearterr.Upstream, err, "build tarball request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return hearterr.Wrap(hearterr.Upstream, err, "download tarball")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return hearterr.New(hearterr.Upstream, fmt.Sprintf("tarball download failed: %s", resp.Status))
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return hearterr.Wrap(hearterr.Upstream, err, "open tarball gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return hearterr.Wrap(hearterr.Upstream, err, "read tarball entry")
		}
		target := filepath.Join(dest, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return hearterr.Wrap(hearterr.Transient, err, "create directory from tarball")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return hearterr.Wrap(hearterr.Transient, err, "create parent directory")
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return hearterr.Wrap(hearterr.Transient, err, "create extracted file")
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return hearterr.Wrap(hearterr.Transient, err, "write extracted file")
			}
			f.Close()
		}
	}
}

// soleSubdir returns the single top-level directory GitHub's tarball
// nests everything under ({owner}-{repo}-{sha}/...).
func soleSubdir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", hearterr.Wrap(hearterr.Transient, err, "read extracted tarball root")
	}
	for _, e := range entries {
		if e.IsDir() {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", hearterr.New(hearterr.Build, "tarball did not contain the expected root directory")
}

// gitmodulesEntry is one [submodule "name"] stanza.
type gitmodulesEntry struct {
	path string
	url  string
}

// maxSubmoduleDepth caps the recursive submodule walk so a cyclic
// .gitmodules chain cannot download forever.
const maxSubmoduleDepth = 5

// resolveSubmodules parses .gitmodules at root (if present), reads each
// submodule's pinned sha from the parent commit's git tree (the "commit"
// gitlink entries a tarball download omits), downloads every submodule's
// tarball at its pin into its path, and recurses into each one.
func (p *Provider) resolveSubmodules(ctx context.Context, installationID int64, owner, repo, sha, root string, depth int) error {
	if depth >= maxSubmoduleDepth {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(root, ".gitmodules"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "read .gitmodules")
	}

	entries := parseGitmodules(string(data))
	if len(entries) == 0 {
		return nil
	}

	client, err := p.clientFor(ctx, installationID)
	if err != nil {
		return err
	}
	tree, _, err := client.Git.GetTree(ctx, owner, repo, sha, true)
	if err != nil {
		return hearterr.Wrap(hearterr.Upstream, err, "read git tree for submodule pins")
	}
	pins := map[string]string{}
	for _, te := range tree.Entries {
		if te.GetType() == "commit" {
			pins[te.GetPath()] = te.GetSHA()
		}
	}

	for _, e := range entries {
		subOwner, subRepo, ok := ownerRepoFromURL(e.url)
		if !ok {
			continue
		}
		pin, ok := pins[e.path]
		if !ok {
			continue
		}
		dest := filepath.Join(root, e.path)
		if err := p.fetchSubmodule(ctx, installationID, subOwner, subRepo, pin, dest); err != nil {
			return err
		}
		if err := p.resolveSubmodules(ctx, installationID, subOwner, subRepo, pin, dest, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// fetchSubmodule downloads owner/repo's tarball at sha and moves its
// contents into dest, replacing the empty gitlink placeholder directory.
func (p *Provider) fetchSubmodule(ctx context.Context, installationID int64, owner, repo, sha, dest string) error {
	client, err := p.clientFor(ctx, installationID)
	if err != nil {
		return err
	}
	tarballURL, _, err := client.Repositories.GetArchiveLink(ctx, owner, repo, github.Tarball, &github.RepositoryContentGetOptions{Ref: sha}, 1)
	if err != nil {
		return hearterr.Wrap(hearterr.Upstream, err, "get submodule tarball link")
	}

	tmpDir, err := os.MkdirTemp("", "hearth-submodule-*")
	if err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "create submodule tempdir")
	}
	defer os.RemoveAll(tmpDir)

	if err := downloadAndExtractTarball(ctx, tarballURL.String(), tmpDir); err != nil {
		return err
	}
	extractedRoot, err := soleSubdir(tmpDir)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(dest); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "clear submodule placeholder")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "create submodule parent directory")
	}
	if err := os.Rename(extractedRoot, dest); err != nil {
		return hearterr.Wrap(hearterr.Transient, err, "move submodule into place")
	}
	return nil
}

func parseGitmodules(content string) []gitmodulesEntry {
	var entries []gitmodulesEntry
	var current *gitmodulesEntry
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "[submodule"):
			if current != nil {
				entries = append(entries, *current)
			}
			current = &gitmodulesEntry{}
		case strings.HasPrefix(line, "path ="):
			if current != nil {
				current.path = strings.TrimSpace(strings.TrimPrefix(line, "path ="))
			}
		case strings.HasPrefix(line, "url ="):
			if current != nil {
				current.url = strings.TrimSpace(strings.TrimPrefix(line, "url ="))
			}
		}
	}
	if current != nil {
		entries = append(entries, *current)
	}
	return entries
}

func ownerRepoFromURL(url string) (owner, repo string, ok bool) {
	url = strings.TrimSuffix(url, ".git")
	for _, sep := range []string{"github.com/", "github.com:"} {
		if idx := strings.Index(url, sep); idx != -1 {
			rest := url[idx+len(sep):]
			parts := strings.SplitN(rest, "/", 2)
			if len(parts) == 2 {
				return parts[0], parts[1], true
			}
		}
	}
	return "", "", false
}
