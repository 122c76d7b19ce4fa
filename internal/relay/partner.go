package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/opensha/aafs/internal/fault"
)

// PartnerStatus is what a server reports on contact.
type PartnerStatus struct {
	// Status is nil before the server has written its first heartbeat.
	Status *ServerStatus `json:"status,omitempty"`

	// Head is the largest seq of the server's ledger.
	Head int64 `json:"head"`
}

// Partner is the transport to the other server's ledger.
type Partner interface {
	Status(ctx context.Context) (PartnerStatus, error)
	Changes(ctx context.Context, afterSeq int64, limit int) ([]Record, error)
	Fetch(ctx context.Context, req FetchRequest) ([]Record, error)
}

// StorePartner reads a partner ledger directly. Used when both servers share
// a host, and in tests.
type StorePartner struct {
	ledger *Ledger
}

// NewStorePartner wraps the partner's ledger.
func NewStorePartner(l *Ledger) *StorePartner {
	return &StorePartner{ledger: l}
}

func (p *StorePartner) Status(ctx context.Context) (PartnerStatus, error) {
	return localStatus(ctx, p.ledger)
}

func (p *StorePartner) Changes(ctx context.Context, afterSeq int64, limit int) ([]Record, error) {
	return p.ledger.Changes(ctx, afterSeq, limit)
}

func (p *StorePartner) Fetch(ctx context.Context, req FetchRequest) ([]Record, error) {
	return p.ledger.Fetch(ctx, req.IDs, req.Lo, req.Hi)
}

// localStatus reads a server's own status and head from its ledger.
func localStatus(ctx context.Context, l *Ledger) (PartnerStatus, error) {
	head, err := l.Head(ctx)
	if err != nil {
		return PartnerStatus{}, err
	}
	out := PartnerStatus{Head: head}
	it, err := l.Latest(ctx, ServerStatusID)
	if err != nil {
		return PartnerStatus{}, err
	}
	if it != nil {
		if st, ok := it.Payload.(ServerStatus); ok {
			out.Status = &st
		}
	}
	return out, nil
}

// HTTPPartner speaks JSON to the partner's relay endpoint.
type HTTPPartner struct {
	base    *url.URL
	client  *http.Client
	retries uint64
}

// HTTPPartnerOption configures an HTTPPartner.
type HTTPPartnerOption func(*HTTPPartner)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPPartnerOption {
	return func(p *HTTPPartner) { p.client = c }
}

// WithRetries sets how many times a failed request is retried.
func WithRetries(n uint64) HTTPPartnerOption {
	return func(p *HTTPPartner) { p.retries = n }
}

// NewHTTPPartner creates a partner client for a base URL such as
// http://aafs2:8090.
func NewHTTPPartner(baseURL string, opts ...HTTPPartnerOption) (*HTTPPartner, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fault.Protocol("parse partner url", "%q: %v", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fault.Protocol("parse partner url", "%q has no scheme or host", baseURL)
	}
	p := &HTTPPartner{
		base:    u,
		client:  &http.Client{Timeout: 30 * time.Second},
		retries: 2,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *HTTPPartner) Status(ctx context.Context) (PartnerStatus, error) {
	var out PartnerStatus
	err := p.do(ctx, http.MethodGet, "/relay/status", nil, nil, &out)
	return out, err
}

func (p *HTTPPartner) Changes(ctx context.Context, afterSeq int64, limit int) ([]Record, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(afterSeq, 10))
	q.Set("limit", strconv.Itoa(limit))
	var out []Record
	err := p.do(ctx, http.MethodGet, "/relay/items", q, nil, &out)
	return out, err
}

func (p *HTTPPartner) Fetch(ctx context.Context, req FetchRequest) ([]Record, error) {
	body, err := json.Marshal(fetchBody{IDs: req.IDs, Lo: req.Lo, Hi: req.Hi})
	if err != nil {
		return nil, fault.ProtocolWrap("encode fetch request", err)
	}
	var out []Record
	err = p.do(ctx, http.MethodPost, "/relay/fetch", nil, body, &out)
	return out, err
}

type fetchBody struct {
	IDs []string `json:"ids,omitempty"`
	Lo  int64    `json:"lo,omitempty"`
	Hi  int64    `json:"hi,omitempty"`
}

// do performs one request with bounded exponential retry. 4xx responses
// are not retried.
func (p *HTTPPartner) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	u := *p.base
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	op := "partner " + method + " " + path

	attempt := func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
			if resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, p.retries), ctx)); err != nil {
		return fault.External(op, p.base.Host, err)
	}
	return nil
}
