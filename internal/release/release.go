// Package release publishes build artifacts as a (pre-)release and records
// a local manifest of what was published.
package release

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/calebmorton/ci-runner-service/internal/observability"
)

// Publisher publishes a release. Implementations replace any existing
// release with the same tag, so a rolling "latest" tag always points at
// the newest build.
type Publisher interface {
	Publish(ctx context.Context, rel Release) (*Manifest, error)
}

// Release is one publish request: the tag plus the artifact files to attach.
type Release struct {
	Repo       string
	Tag        string
	SHA        string
	Prerelease bool
	Files      []string
}

// Manifest records what a publish produced. It is written atomically next
// to the run data so operators can see what the current tag contains.
type Manifest struct {
	Repo        string     `json:"repo"`
	Tag         string     `json:"tag"`
	SHA         string     `json:"sha"`
	Prerelease  bool       `json:"prerelease"`
	PublishedAt time.Time  `json:"publishedAt"`
	Artifacts   []Artifact `json:"artifacts"`
}

// Artifact is one published file.
type Artifact struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

var (
	ErrNoArtifacts     = errors.New("no artifacts to publish")
	ErrInvalidToken    = errors.New("invalid release token")
	ErrUpstreamFailure = errors.New("upstream failure")
)

// Client publishes releases to an HTTP endpoint and writes the manifest
// under manifestDir.
type Client struct {
	token       string
	apiURL      string
	manifestDir string
	client      *http.Client
}

// NewClient builds a release client. An empty apiURL produces a local-only
// publisher that just writes the manifest, for installs with no release host.
func NewClient(token, apiURL, manifestDir string, timeout time.Duration) *Client {
	return &Client{
		token:       token,
		apiURL:      apiURL,
		manifestDir: manifestDir,
		client:      &http.Client{Timeout: timeout},
	}
}

// Publish implements Publisher. The remote release is created (replacing
// any release under the same tag), every artifact is uploaded, and the
// manifest is written atomically only after everything succeeded.
func (c *Client) Publish(ctx context.Context, rel Release) (*Manifest, error) {
	if len(rel.Files) == 0 {
		observability.ReleasePublishesTotal.WithLabelValues("error").Inc()
		return nil, ErrNoArtifacts
	}

	manifest := &Manifest{
		Repo:        rel.Repo,
		Tag:         rel.Tag,
		SHA:         rel.SHA,
		Prerelease:  rel.Prerelease,
		PublishedAt: time.Now().UTC(),
	}
	for _, path := range rel.Files {
		art, err := describeArtifact(path)
		if err != nil {
			observability.ReleasePublishesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		manifest.Artifacts = append(manifest.Artifacts, art)
	}

	if c.apiURL != "" {
		if err := c.createRelease(ctx, rel); err != nil {
			observability.ReleasePublishesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		for _, path := range rel.Files {
			if err := c.uploadAsset(ctx, rel, path); err != nil {
				observability.ReleasePublishesTotal.WithLabelValues("error").Inc()
				return nil, err
			}
		}
	}

	if err := c.writeManifest(manifest); err != nil {
		observability.ReleasePublishesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	observability.ReleasePublishesTotal.WithLabelValues("success").Inc()
	observability.ReleaseArtifactsTotal.Add(float64(len(manifest.Artifacts)))
	return manifest, nil
}

func describeArtifact(path string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return Artifact{}, fmt.Errorf("hash artifact %s: %w", path, err)
	}
	return Artifact{
		Name:   filepath.Base(path),
		Size:   size,
		SHA256: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func (c *Client) createRelease(ctx context.Context, rel Release) error {
	payload, err := json.Marshal(map[string]interface{}{
		"tag":        rel.Tag,
		"sha":        rel.SHA,
		"prerelease": rel.Prerelease,
		"replace":    true,
	})
	if err != nil {
		return fmt.Errorf("marshal release: %w", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/releases", c.apiURL, rel.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("create release: %w", err)
	}
	defer resp.Body.Close()
	return c.handleErrorResponse(resp)
}

func (c *Client) uploadAsset(ctx context.Context, rel Release, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("asset", filepath.Base(path))
	if err == nil {
		_, err = io.Copy(part, f)
	}
	if err == nil {
		err = form.Close()
	}
	if err != nil {
		return fmt.Errorf("attach artifact %s: %w", path, err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/releases/%s/assets?name=%s",
		c.apiURL, rel.Repo, url.PathEscape(rel.Tag), url.QueryEscape(filepath.Base(path)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload asset %s: %w", filepath.Base(path), err)
	}
	defer resp.Body.Close()
	return c.handleErrorResponse(resp)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: request rejected", ErrInvalidToken)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

// writeManifest writes releases/<tag>.json atomically so a crash mid-write
// never leaves a torn manifest behind.
func (c *Client) writeManifest(m *Manifest) error {
	if c.manifestDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.manifestDir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(c.manifestDir, m.Tag+".json")
	if err := renameio.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

var _ Publisher = (*Client)(nil)
