package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/domain"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPBackend is the directory backend served by lobbyd's REST API.
type HTTPBackend struct {
	base   *url.URL
	client *http.Client
}

var _ core.DirectoryBackend = (*HTTPBackend)(nil)

// NewHTTPBackend targets the API rooted at baseURL, e.g. http://host:8080/api.
func NewHTTPBackend(baseURL string, client *http.Client) (*HTTPBackend, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse directory url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("directory url %q: unsupported scheme", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPBackend{base: u, client: client}, nil
}

func (b *HTTPBackend) CreateSession(ctx context.Context, owner domain.Identity, maxMembers int) (*domain.Session, error) {
	var s domain.Session
	err := b.do(ctx, http.MethodPost, "/sessions", nil, CreateRequest{Owner: owner, MaxMembers: maxMembers}, &s)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *HTTPBackend) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	var s domain.Session
	if err := b.do(ctx, http.MethodGet, "/sessions/"+id.String(), nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *HTTPBackend) JoinSession(ctx context.Context, id domain.SessionID, member domain.Identity) (*domain.Session, error) {
	var s domain.Session
	if err := b.do(ctx, http.MethodPost, "/sessions/"+id.String()+"/members", nil, JoinRequest{Identity: member}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (b *HTTPBackend) LeaveSession(ctx context.Context, id domain.SessionID, member domain.Identity) error {
	return b.do(ctx, http.MethodDelete, "/sessions/"+id.String()+"/members/"+member.String(), nil, nil, nil)
}

func (b *HTTPBackend) ListSessions(ctx context.Context, filter domain.Filter) ([]*domain.Session, error) {
	var resp ListResponse
	if err := b.do(ctx, http.MethodGet, "/sessions", EncodeFilter(filter), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (b *HTTPBackend) SetMetadata(ctx context.Context, id domain.SessionID, key domain.MetadataKey, value string) error {
	path := "/sessions/" + id.String() + "/metadata/" + url.PathEscape(string(key))
	return b.do(ctx, http.MethodPut, path, nil, MetadataRequest{Value: value}, nil)
}

func (b *HTTPBackend) SetVisibility(ctx context.Context, id domain.SessionID, v domain.Visibility) error {
	return b.do(ctx, http.MethodPut, "/sessions/"+id.String()+"/visibility", nil, VisibilityRequest{Visibility: v}, nil)
}

func (b *HTTPBackend) SetJoinable(ctx context.Context, id domain.SessionID, joinable bool) error {
	return b.do(ctx, http.MethodPut, "/sessions/"+id.String()+"/joinable", nil, JoinableRequest{Joinable: joinable}, nil)
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *b.base
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb ErrorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		return errorFromBody(resp.StatusCode, eb)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
