// Package githubclient is the out-of-scope external collaborator named by
// the cache's design: it knows how to talk to a GitHub-hosted component
// registry shaped like shadcn/ui's (framework directories under a registry
// root, one file per component, JSON block manifests). It is consumed by
// internal/tiers.RemoteTier only through the tiers.RegistryClient
// interface — nothing in this package is cache-aware.
//
// Grounded on internal/adapters/providers/github/adapter.go's use of
// github.com/google/go-github for API access and golang.org/x/oauth2 for
// token transport, generalized from a webhook/issue adapter to a
// read-only contents-API registry reader.
package githubclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sync/atomic"
	"time"

	"github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"

	"github.com/alfredw/shadcn-registry-cache/internal/cacheerr"
	"github.com/alfredw/shadcn-registry-cache/internal/observability"
	"github.com/alfredw/shadcn-registry-cache/internal/tiers"
)

// Config configures a Client.
type Config struct {
	// Owner/Repo identify the registry repository, e.g. "shadcn-ui"/"ui".
	Owner string
	Repo  string
	// Ref is the git ref to read from (branch, tag or sha). Defaults to
	// the repository's default branch when empty.
	Ref string
	// RegistryPath is the root directory inside the repo holding
	// per-framework component/block trees, e.g. "apps/www/registry".
	RegistryPath string
	// Token is an optional GitHub access token; unauthenticated requests
	// are subject to GitHub's much lower anonymous rate limit.
	Token string
	// HTTPTimeout bounds each underlying API call.
	HTTPTimeout time.Duration

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// Client implements tiers.RegistryClient against the real GitHub contents
// API.
type Client struct {
	gh     *github.Client
	owner  string
	repo   string
	ref    string
	root   string
	logger observability.Logger
	metric observability.MetricsClient

	rateRemaining int64 // atomic
}

var _ tiers.RegistryClient = (*Client)(nil)

// New builds a Client from cfg.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewStandardLogger("githubclient")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	var gh *github.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		oauthClient := oauth2.NewClient(context.Background(), ts)
		oauthClient.Timeout = cfg.HTTPTimeout
		gh = github.NewClient(oauthClient)
	} else {
		gh = github.NewClient(&http.Client{Timeout: cfg.HTTPTimeout})
	}

	c := &Client{
		gh:     gh,
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		ref:    cfg.Ref,
		root:   cfg.RegistryPath,
		logger: cfg.Logger,
		metric: cfg.Metrics,
	}
	c.rateRemaining = -1
	return c
}

func (c *Client) componentPath(framework, name string) string {
	return path.Join(c.root, framework, "ui", name+".tsx")
}

func (c *Client) blockManifestPath(framework, name string) string {
	return path.Join(c.root, framework, "blocks", name, "manifest.json")
}

// FetchComponent reads a single component source file and wraps it in a
// tiers.Component. Metadata beyond the source body (dependencies,
// registryDependencies) is left for a richer manifest-driven client;
// this adapter populates what the raw contents API exposes directly.
func (c *Client) FetchComponent(ctx context.Context, framework, name string) (*tiers.Component, error) {
	fc, _, resp, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, c.componentPath(framework, name), c.opts())
	c.trackRate(resp)
	if err != nil {
		return nil, c.wrapErr("fetch component", err)
	}
	if fc == nil {
		return nil, cacheerr.New(cacheerr.KindNotFound, "remote", "component not found in registry")
	}
	content, err := fc.GetContent()
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindTransient, "remote", "failed to decode component content", err)
	}
	return &tiers.Component{
		Framework:    framework,
		Name:         name,
		SourceCode:   content,
		RemoteSha:    fc.GetSHA(),
		FileSize:     int64(fc.GetSize()),
		LastModified: time.Now(),
	}, nil
}

// blockManifest mirrors the small manifest shape shadcn-style block
// registries publish alongside per-file content.
type blockManifest struct {
	Category       string   `json:"category"`
	Type           string   `json:"type"`
	Description    string   `json:"description"`
	Dependencies   []string `json:"dependencies"`
	ComponentsUsed []string `json:"registryDependencies"`
	Files          []string `json:"files"`
}

// FetchBlock reads a block's manifest then each listed file.
func (c *Client) FetchBlock(ctx context.Context, framework, name string) (*tiers.Block, error) {
	fc, _, resp, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, c.blockManifestPath(framework, name), c.opts())
	c.trackRate(resp)
	if err != nil {
		return nil, c.wrapErr("fetch block manifest", err)
	}
	if fc == nil {
		return nil, cacheerr.New(cacheerr.KindNotFound, "remote", "block not found in registry")
	}
	raw, err := fc.GetContent()
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindTransient, "remote", "failed to decode manifest", err)
	}

	var manifest blockManifest
	if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindValidation, "remote", "malformed block manifest", err)
	}

	blockDir := path.Join(c.root, framework, "blocks", name)
	files := make(map[string][]byte, len(manifest.Files))
	var total int64
	for _, rel := range manifest.Files {
		fileContent, _, fresp, ferr := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path.Join(blockDir, rel), c.opts())
		c.trackRate(fresp)
		if ferr != nil {
			return nil, c.wrapErr(fmt.Sprintf("fetch block file %s", rel), ferr)
		}
		decoded, derr := fileContent.GetContent()
		if derr != nil {
			return nil, cacheerr.Wrap(cacheerr.KindTransient, "remote", "failed to decode block file", derr)
		}
		files[rel] = []byte(decoded)
		total += int64(len(decoded))
	}

	blockType := tiers.BlockSimple
	if manifest.Type == string(tiers.BlockComplex) {
		blockType = tiers.BlockComplex
	}

	return &tiers.Block{
		Framework:      framework,
		Name:           name,
		Category:       manifest.Category,
		Type:           blockType,
		Description:    manifest.Description,
		Files:          files,
		Dependencies:   manifest.Dependencies,
		ComponentsUsed: manifest.ComponentsUsed,
		TotalSize:      total,
		RemoteSha:      fc.GetSHA(),
	}, nil
}

// FetchAvailableComponents lists component names available for a
// framework by reading the framework's "ui" directory.
func (c *Client) FetchAvailableComponents(ctx context.Context, framework string) ([]string, error) {
	_, dir, resp, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path.Join(c.root, framework, "ui"), c.opts())
	c.trackRate(resp)
	if err != nil {
		return nil, c.wrapErr("list components", err)
	}
	names := make([]string, 0, len(dir))
	for _, entry := range dir {
		if entry.GetType() != "file" {
			continue
		}
		base := entry.GetName()
		names = append(names, trimExt(base))
	}
	return names, nil
}

func trimExt(name string) string {
	ext := path.Ext(name)
	return name[:len(name)-len(ext)]
}

// FetchDirectoryTree returns a JSON-encoded listing of a registry
// subdirectory, used to answer `directory:` keys.
func (c *Client) FetchDirectoryTree(ctx context.Context, framework, subPath string) ([]byte, error) {
	full := path.Join(c.root, framework, subPath)
	_, dir, resp, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, full, c.opts())
	c.trackRate(resp)
	if err != nil {
		return nil, c.wrapErr("fetch directory tree", err)
	}
	listing := make([]map[string]interface{}, 0, len(dir))
	for _, entry := range dir {
		listing = append(listing, map[string]interface{}{
			"name": entry.GetName(),
			"type": entry.GetType(),
			"path": entry.GetPath(),
			"sha":  entry.GetSHA(),
		})
	}
	return json.Marshal(listing)
}

// FetchMetadata reads a top-level registry metadata file, e.g.
// "styles.json" or "themes.json".
func (c *Client) FetchMetadata(ctx context.Context, sub string) ([]byte, error) {
	fc, _, resp, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path.Join(c.root, sub), c.opts())
	c.trackRate(resp)
	if err != nil {
		return nil, c.wrapErr("fetch metadata", err)
	}
	content, err := fc.GetContent()
	if err != nil {
		return nil, cacheerr.Wrap(cacheerr.KindTransient, "remote", "failed to decode metadata content", err)
	}
	return []byte(content), nil
}

// RateLimitRemaining reports the last observed X-RateLimit-Remaining
// value, or -1 if no request has completed yet.
func (c *Client) RateLimitRemaining() int {
	return int(atomic.LoadInt64(&c.rateRemaining))
}

func (c *Client) trackRate(resp *github.Response) {
	if resp == nil {
		return
	}
	atomic.StoreInt64(&c.rateRemaining, int64(resp.Rate.Remaining))
	c.metric.RecordGauge("registry_rate_limit_remaining", float64(resp.Rate.Remaining), nil)
}

func (c *Client) opts() *github.RepositoryContentGetOptions {
	if c.ref == "" {
		return nil
	}
	return &github.RepositoryContentGetOptions{Ref: c.ref}
}

func (c *Client) wrapErr(action string, err error) error {
	if ghErr, ok := err.(*github.ErrorResponse); ok && ghErr.Response != nil && ghErr.Response.StatusCode == 404 {
		return cacheerr.Wrap(cacheerr.KindNotFound, "remote", action, err)
	}
	return cacheerr.Wrap(cacheerr.KindTransient, "remote", action, err)
}
