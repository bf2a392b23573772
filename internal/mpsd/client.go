package mpsd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/xblsync/internal/multiplayer"
)

// TokenSource supplies the opaque authorization value sent with each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same value.
type StaticToken string

// Token returns the token.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTokenSource sets the authorization source.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithClientLogger sets the client's logger.
func WithClientLogger(l *log.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client talks to a Server on behalf of one user.
type Client struct {
	baseURL string
	xuid    string
	http    *http.Client
	tokens  TokenSource // Optional, can be nil
	logger  *log.Logger
}

var _ multiplayer.SessionService = (*Client)(nil)

// NewClient creates a client for baseURL acting as xuid.
func NewClient(baseURL, xuid string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		xuid:    xuid,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WriteSession PUTs doc to its session route.
func (c *Client) WriteSession(ctx context.Context, doc *multiplayer.SessionDocument, mode multiplayer.WriteMode) (*multiplayer.SessionDocument, error) {
	if doc == nil {
		return nil, errors.New("mpsd: nil session document")
	}
	return c.put(ctx, sessionURL(doc.Reference), doc, mode)
}

// WriteSessionByHandle PUTs doc to the session behind handleID.
func (c *Client) WriteSessionByHandle(ctx context.Context, doc *multiplayer.SessionDocument, mode multiplayer.WriteMode, handleID string) (*multiplayer.SessionDocument, error) {
	if doc == nil {
		doc = &multiplayer.SessionDocument{}
	}
	return c.put(ctx, "/handles/"+url.PathEscape(handleID)+"/session", doc, mode)
}

// GetCurrentSession fetches the session document.
func (c *Client) GetCurrentSession(ctx context.Context, ref multiplayer.SessionReference) (*multiplayer.SessionDocument, error) {
	req, err := c.newRequest(ctx, http.MethodGet, sessionURL(ref), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) put(ctx context.Context, path string, doc *multiplayer.SessionDocument, mode multiplayer.WriteMode) (*multiplayer.SessionDocument, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("mpsd: encode session: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderWriteMode, mode.String())
	if mode == multiplayer.WriteModeSynchronizedUpdate {
		req.Header.Set(HeaderIfMatch, strconv.FormatUint(doc.ChangeNumber, 10))
	}
	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("mpsd: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderUser, c.xuid)
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("mpsd: token: %w", err)
		}
		req.Header.Set("Authorization", token)
	}
	return req, nil
}

// do sends req and decodes the answer. A 412 returns the current document
// together with a ServiceError matching ErrPreconditionFailed.
func (c *Client) do(req *http.Request) (*multiplayer.SessionDocument, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mpsd: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mpsd: read response: %w", err)
	}

	if resp.StatusCode == http.StatusOK {
		doc := &multiplayer.SessionDocument{}
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("mpsd: decode session: %w", err)
		}
		return doc, nil
	}

	serr := &multiplayer.ServiceError{StatusCode: resp.StatusCode}
	if resp.StatusCode == http.StatusPreconditionFailed || resp.StatusCode == http.StatusConflict {
		serr.Message = resp.Header.Get("X-Error-Message")
		doc := &multiplayer.SessionDocument{}
		if err := json.Unmarshal(data, doc); err != nil || doc.Reference.IsZero() {
			c.logger.Warn("conflict response without a session document", "status", resp.StatusCode)
			return nil, serr
		}
		return doc, serr
	}

	var body errorBody
	if json.Unmarshal(data, &body) == nil {
		serr.Message = body.Message
	}
	return nil, serr
}

func sessionURL(ref multiplayer.SessionReference) string {
	return "/serviceconfigs/" + url.PathEscape(ref.ServiceConfigID) +
		"/sessionTemplates/" + url.PathEscape(ref.TemplateName) +
		"/sessions/" + url.PathEscape(ref.SessionName)
}
