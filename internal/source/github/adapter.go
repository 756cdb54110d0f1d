package github

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/vectorinfinity/internal/domain"
	"github.com/timmy/vectorinfinity/internal/logger"
	"github.com/timmy/vectorinfinity/internal/source"
)

const (
	SourceName = "github"
	RecordKind = "github_file"

	ConfigToken    = "github_token"
	ConfigFileURLs = "file_urls"

	defaultAPIBase       = "https://api.github.com"
	defaultAuthorizeBase = "https://github.com/login/oauth/authorize"
	userAgent            = "vectorinfinity"
)

var blobURLPattern = regexp.MustCompile(`^https://github\.com/([^/]+)/([^/]+)/blob/([^/]+)/(.+)$`)

// Options configures the upstream endpoints.
type Options struct {
	APIBase       string
	AuthorizeBase string
	ClientID      string
}

// Adapter imports individual files from GitHub repositories through the
// contents API.
type Adapter struct {
	client   *resty.Client
	opts     Options
	token    string
	fileURLs []string
}

// NewAdapter creates a new GitHub adapter
func NewAdapter(opts Options) *Adapter {
	if opts.APIBase == "" {
		opts.APIBase = defaultAPIBase
	}
	if opts.AuthorizeBase == "" {
		opts.AuthorizeBase = defaultAuthorizeBase
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.APIBase, "/")).
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", userAgent)
	return &Adapter{client: client, opts: opts}
}

func (a *Adapter) Name() string { return SourceName }

// ValidateConfig requires a token and at least one parseable file URL.
func (a *Adapter) ValidateConfig(cfg map[string]interface{}) error {
	if source.StringValue(cfg, ConfigToken) == "" {
		return fmt.Errorf("GitHub token not configured, add a personal access token")
	}
	urls := source.StringList(cfg, ConfigFileURLs)
	if len(urls) == 0 {
		return fmt.Errorf("no file URLs configured, add at least one GitHub file URL")
	}
	for _, u := range urls {
		if _, err := ParseFileURL(u); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) Configure(cfg map[string]interface{}) {
	a.token = source.StringValue(cfg, ConfigToken)
	a.fileURLs = source.StringList(cfg, ConfigFileURLs)
}

// SanitizeConfig replaces the token with a token_configured flag
func (a *Adapter) SanitizeConfig(cfg map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	_, hasToken := out[ConfigToken]
	out["token_configured"] = hasToken && source.StringValue(cfg, ConfigToken) != ""
	delete(out, ConfigToken)
	return out
}

// ShouldUpdate compares the blob sha and falls back to content.
func (a *Adapter) ShouldUpdate(existing *domain.ImportedRecord, incoming *source.Record) bool {
	if sha := incoming.MetadataString("sha"); sha != "" && sha != existing.MetadataString("sha") {
		return true
	}
	return incoming.Content != existing.Content
}

// AuthorizeURL builds the GitHub OAuth authorize URL for state.
func (a *Adapter) AuthorizeURL(state, redirectURL string) (string, error) {
	if a.opts.ClientID == "" {
		return "", fmt.Errorf("GitHub OAuth client id not configured")
	}
	q := url.Values{}
	q.Set("client_id", a.opts.ClientID)
	q.Set("redirect_uri", redirectURL)
	q.Set("scope", "repo")
	q.Set("state", state)
	return a.opts.AuthorizeBase + "?" + q.Encode(), nil
}

// TestConnection fetches the authenticated user.
func (a *Adapter) TestConnection(ctx context.Context) error {
	if a.token == "" {
		return fmt.Errorf("GitHub token not configured")
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "token "+a.token).
		Get("/user")
	if err != nil {
		return fmt.Errorf("failed to call GitHub API: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("GitHub API error: status %d", resp.StatusCode())
	}
	return nil
}

// FileURL is a parsed https://github.com/{owner}/{repo}/blob/{branch}/{path} URL.
type FileURL struct {
	Raw    string
	Owner  string
	Repo   string
	Branch string
	Path   string
}

// ParseFileURL parses a GitHub blob URL.
func ParseFileURL(raw string) (FileURL, error) {
	m := blobURLPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return FileURL{}, fmt.Errorf("invalid GitHub URL format: %s", raw)
	}
	return FileURL{Raw: raw, Owner: m[1], Repo: m[2], Branch: m[3], Path: m[4]}, nil
}

type contentsResponse struct {
	SHA         string `json:"sha"`
	Size        int64  `json:"size"`
	HTMLURL     string `json:"html_url"`
	DownloadURL string `json:"download_url"`
	Content     string `json:"content"`
	Encoding    string `json:"encoding"`
	Message     string `json:"message"`
}

// Fetch downloads every configured file. A file that fails is logged and
// skipped; the fetch fails only when no file could be read.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - []source.Record: one record per readable file.
//   - error: non-nil when the token is missing or every file failed.
func (a *Adapter) Fetch(ctx context.Context) ([]source.Record, error) {
	if a.token == "" {
		return nil, fmt.Errorf("GitHub token not set, configure the source first")
	}

	var (
		records  []source.Record
		firstErr error
	)
	for _, raw := range a.fileURLs {
		rec, err := a.fetchFile(ctx, raw)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.CtxWarn(ctx, "Skipping GitHub file %s: %v", raw, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		records = append(records, rec)
	}
	if len(records) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return records, nil
}

func (a *Adapter) fetchFile(ctx context.Context, raw string) (source.Record, error) {
	fu, err := ParseFileURL(raw)
	if err != nil {
		return source.Record{}, err
	}

	var body contentsResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/vnd.github.v3+json").
		SetHeader("Authorization", "token "+a.token).
		SetQueryParam("ref", fu.Branch).
		SetResult(&body).
		SetError(&body).
		Get(fmt.Sprintf("/repos/%s/%s/contents/%s", fu.Owner, fu.Repo, fu.Path))
	if err != nil {
		return source.Record{}, fmt.Errorf("network error fetching %s: %w", raw, err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return source.Record{}, fmt.Errorf("file not found at %s in %s/%s (branch: %s)", fu.Path, fu.Owner, fu.Repo, fu.Branch)
	case http.StatusForbidden:
		return source.Record{}, fmt.Errorf("access forbidden for %s, check token permissions: %s", raw, body.Message)
	case http.StatusUnauthorized:
		return source.Record{}, fmt.Errorf("authentication failed, check the GitHub token")
	default:
		return source.Record{}, fmt.Errorf("GitHub API error (%d): %s", resp.StatusCode(), body.Message)
	}

	content, err := decodeContent(body.Content, body.Encoding)
	if err != nil {
		return source.Record{}, fmt.Errorf("decode %s: %w", raw, err)
	}

	filename := path.Base(fu.Path)
	now := time.Now().UTC()
	return source.Record{
		SourceID: fmt.Sprintf("%s/%s/%s/%s", fu.Owner, fu.Repo, fu.Branch, fu.Path),
		Kind:     RecordKind,
		Title:    fmt.Sprintf("%s (%s)", filename, fu.Repo),
		Content:  content,
		Metadata: map[string]interface{}{
			"sha":        body.SHA,
			"size":       body.Size,
			"html_url":   body.HTMLURL,
			"repository": fu.Owner + "/" + fu.Repo,
			"branch":     fu.Branch,
			"path":       fu.Path,
			"filename":   filename,
			"url":        fu.Raw,
		},
		SourceTimestamp: &now,
	}, nil
}

func decodeContent(content, encoding string) (string, error) {
	if encoding != "base64" {
		return content, nil
	}
	clean := strings.NewReplacer("\n", "", "\r", "").Replace(content)
	data, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
