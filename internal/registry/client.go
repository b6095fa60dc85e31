// Package registry resolves model references against an MLflow-compatible
// model registry and downloads the artifacts of the resolved versions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"registry-scorer/internal/identity"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

var (
	ErrModelNotFound   = errors.New("model version not found")
	ErrInvalidModelURI = errors.New("invalid model URI")
)

const (
	pathGetVersion     = "/api/2.0/mlflow/model-versions/get"
	pathLatestVersions = "/api/2.0/mlflow/registered-models/get-latest-versions"
	pathAlias          = "/api/2.0/mlflow/registered-models/alias"
	pathDownloadURI    = "/api/2.0/mlflow/model-versions/get-download-uri"
	pathArtifacts      = "/api/2.0/mlflow-artifacts/artifacts"

	codeNotFound = "RESOURCE_DOES_NOT_EXIST"
)

var stages = map[string]string{
	"none":       "None",
	"staging":    "Staging",
	"production": "Production",
	"archived":   "Archived",
}

type Client struct {
	base string
	rest *resty.Client
}

// New points a client at the tracking server. azureml:// URIs are served over
// https at the same host and path.
func New(trackingURI string, tokens identity.TokenSource, timeout time.Duration) (*Client, error) {
	base, err := restBase(trackingURI)
	if err != nil {
		return nil, err
	}

	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(30 * time.Second)
	}
	r.SetHeader("Accept", "application/json")
	r.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		tok, err := tokens.Token(req.Context())
		if err != nil {
			return err
		}
		if tok != "" {
			req.SetAuthToken(tok)
		}
		return nil
	})

	return &Client{base: base, rest: r}, nil
}

// Base returns the REST base URL derived from the tracking URI.
func (c *Client) Base() string { return c.base }

func restBase(trackingURI string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(trackingURI))
	if err != nil {
		return "", fmt.Errorf("parse tracking URI: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "azureml":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported tracking URI scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("tracking URI %q has no host", trackingURI)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// ParseModelURI splits models:/<name>/<selector> or models:/<name>@<alias>.
// Alias selectors are returned with their leading '@'.
func ParseModelURI(uri string) (name, selector string, err error) {
	rest, ok := strings.CutPrefix(uri, "models:/")
	if !ok {
		return "", "", fmt.Errorf("%w: %q must start with models:/", ErrInvalidModelURI, uri)
	}
	if n, alias, found := strings.Cut(rest, "@"); found && !strings.Contains(n, "/") {
		name, selector = n, "@"+alias
	} else {
		var cut bool
		name, selector, cut = strings.Cut(rest, "/")
		if !cut {
			return "", "", fmt.Errorf("%w: %q has no version or stage", ErrInvalidModelURI, uri)
		}
	}
	if name == "" || selector == "" || selector == "@" || strings.Contains(selector, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidModelURI, uri)
	}
	return name, selector, nil
}

// ResolveURI resolves a models:/ reference.
func (c *Client) ResolveURI(ctx context.Context, uri string) (*ModelVersion, error) {
	name, selector, err := ParseModelURI(uri)
	if err != nil {
		return nil, err
	}
	return c.Resolve(ctx, name, selector)
}

// Resolve finds the version a selector points at and where its artifacts live.
// A selector is a version number, "latest", a stage name, or "@alias".
func (c *Client) Resolve(ctx context.Context, name, selector string) (*ModelVersion, error) {
	mv, err := c.lookup(ctx, name, selector)
	if err != nil {
		return nil, err
	}

	var dl downloadURIResp
	if err := c.get(ctx, pathDownloadURI, map[string]string{"name": mv.Name, "version": mv.Version}, &dl); err != nil {
		return nil, fmt.Errorf("get download URI for %s: %w", mv.URI(), err)
	}
	mv.ArtifactURI = dl.ArtifactURI
	if mv.ArtifactURI == "" {
		mv.ArtifactURI = mv.Source
	}
	mv.ResolvedAt = time.Now()

	log.Info().
		Str("model", mv.Name).
		Str("selector", selector).
		Str("version", mv.Version).
		Str("stage", mv.CurrentStage).
		Str("artifact_uri", mv.ArtifactURI).
		Msg("model version resolved")

	return mv, nil
}

func (c *Client) lookup(ctx context.Context, name, selector string) (*ModelVersion, error) {
	ref := fmt.Sprintf("models:/%s/%s", name, selector)

	if alias, ok := strings.CutPrefix(selector, "@"); ok {
		var resp getModelVersionResp
		if err := c.get(ctx, pathAlias, map[string]string{"name": name, "alias": alias}, &resp); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", ref, err)
		}
		if resp.ModelVersion == nil {
			return nil, fmt.Errorf("resolve %s: %w", ref, ErrModelNotFound)
		}
		return resp.ModelVersion, nil
	}

	if _, err := strconv.Atoi(selector); err == nil {
		var resp getModelVersionResp
		if err := c.get(ctx, pathGetVersion, map[string]string{"name": name, "version": selector}, &resp); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", ref, err)
		}
		if resp.ModelVersion == nil {
			return nil, fmt.Errorf("resolve %s: %w", ref, ErrModelNotFound)
		}
		return resp.ModelVersion, nil
	}

	req := latestVersionsReq{Name: name}
	if !strings.EqualFold(selector, "latest") {
		stage, ok := stages[strings.ToLower(selector)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown version selector %q", ErrInvalidModelURI, selector)
		}
		req.Stages = []string{stage}
	}

	var resp latestVersionsResp
	if err := c.post(ctx, pathLatestVersions, req, &resp); err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	if len(resp.ModelVersions) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", ref, ErrModelNotFound)
	}

	// The registry returns the newest version per stage; "latest" is the
	// newest among those.
	versions := resp.ModelVersions
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].versionNumber() > versions[j].versionNumber()
	})
	mv := versions[0]
	return &mv, nil
}

// Fetch downloads one file below a model's artifact root.
func (c *Client) Fetch(ctx context.Context, artifactURI, rel string) ([]byte, error) {
	rel = strings.TrimLeft(path.Clean("/"+rel), "/")
	u, err := url.Parse(artifactURI)
	if err != nil {
		return nil, fmt.Errorf("parse artifact URI %q: %w", artifactURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "mlflow-artifacts":
		base := c.base
		if u.Host != "" {
			bu, _ := url.Parse(c.base)
			base = bu.Scheme + "://" + u.Host
		}
		return c.download(ctx, base+pathArtifacts+"/"+strings.Trim(u.Path, "/")+"/"+rel)
	case "http", "https":
		return c.download(ctx, strings.TrimRight(artifactURI, "/")+"/"+rel)
	case "file", "":
		p := filepath.Join(filepath.FromSlash(u.Path), filepath.FromSlash(rel))
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read artifact %s: %w", p, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported artifact URI scheme %q in %s", u.Scheme, artifactURI)
	}
}

func (c *Client) download(ctx context.Context, target string) ([]byte, error) {
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Accept", "application/octet-stream").
		Get(target)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", target, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("download %s: %w", target, os.ErrNotExist)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download %s: status %d", target, resp.StatusCode())
	}
	return resp.Body(), nil
}

func (c *Client) get(ctx context.Context, p string, query map[string]string, result interface{}) error {
	apiErr := &apiError{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(query).
		ForceContentType("application/json").
		SetResult(result).
		SetError(apiErr).
		Get(c.base + p)
	if err != nil {
		return err
	}
	return checkResponse(resp, apiErr)
}

func (c *Client) post(ctx context.Context, p string, body, result interface{}) error {
	apiErr := &apiError{}
	resp, err := c.rest.R().
		SetContext(ctx).
		SetBody(body).
		ForceContentType("application/json").
		SetResult(result).
		SetError(apiErr).
		Post(c.base + p)
	if err != nil {
		return err
	}
	return checkResponse(resp, apiErr)
}

func checkResponse(resp *resty.Response, apiErr *apiError) error {
	if !resp.IsError() {
		return nil
	}
	if resp.StatusCode() == http.StatusNotFound || apiErr.ErrorCode == codeNotFound {
		if apiErr.Message != "" {
			return fmt.Errorf("%w: %s", ErrModelNotFound, apiErr.Message)
		}
		return ErrModelNotFound
	}
	if apiErr.ErrorCode != "" {
		return fmt.Errorf("registry: %d %s: %s", resp.StatusCode(), apiErr.ErrorCode, apiErr.Message)
	}
	return fmt.Errorf("registry: status %d", resp.StatusCode())
}
