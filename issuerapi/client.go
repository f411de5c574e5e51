// Package issuerapi is a client of the issuer service HTTP API.
package issuerapi

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

	"github.com/iden3/go-onchain-issuance/errs"
	"github.com/iden3/go-onchain-issuance/logging"
	"github.com/iden3/go-onchain-issuance/session"
	"github.com/pkg/errors"
)

const (
	limitReaderBytes = 16 * 1024
	defaultTimeout   = 30 * time.Second

	sessionIDHeader = "x-id"
)

var log = logging.Module("IssuerAPI")

type Client struct {
	baseURL          string
	customHTTPClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.customHTTPClient = c
	}
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.customHTTPClient = &http.Client{Timeout: d}
	}
}

// NewClient creates a client for the issuer service at baseURL, e.g.
// http://localhost:8080. All endpoints live under /api/v1.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Errorf("invalid issuer service url %q", baseURL)
	}
	c := &Client{
		baseURL:          strings.TrimRight(baseURL, "/") + "/api/v1",
		customHTTPClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issuers lists the DIDs of the issuers the service serves.
func (c *Client) Issuers(ctx context.Context) ([]string, error) {
	var out []string
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/issuers", nil)
	if err != nil {
		return nil, err
	}
	if err := c.decode(resp, &out); err != nil {
		return nil, errs.Wrap(err, errs.CodeNetworkUnavailable, "failed to list issuers")
	}
	return out, nil
}

// AuthRequest creates an authentication session for issuer. The session id
// comes from the x-id header and the body is the QR payload.
func (c *Client) AuthRequest(ctx context.Context, issuer string) (session.Session, error) {
	u := c.baseURL + "/requests/auth?" + url.Values{"issuer": {issuer}}.Encode()
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return session.Session{}, err
	}
	var payload json.RawMessage
	if err := c.decode(resp, &payload); err != nil {
		return session.Session{}, errs.Wrap(err, errs.CodeNetworkUnavailable,
			"failed to create authentication request")
	}
	sid := resp.Header.Get(sessionIDHeader)
	if sid == "" {
		return session.Session{}, errs.New(errs.CodeSessionCheckFailed,
			"authentication request without session id")
	}
	return session.Session{ID: sid, QRPayload: payload}, nil
}

type statusResponse struct {
	ID string `json:"id"`
}

// Status checks an authentication session. 404 means the holder has not
// authenticated yet; a resolved session carries the subject DID.
func (c *Client) Status(ctx context.Context, sessionID string) (session.Status[string], error) {
	u := c.baseURL + "/status?" + url.Values{"id": {sessionID}}.Encode()
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return session.Status[string]{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return session.Pending[string](), nil
	}
	var out statusResponse
	if err := c.decode(resp, &out); err != nil {
		return session.Status[string]{}, errs.Wrap(err, errs.CodeSessionCheckFailed,
			"failed to check session status")
	}
	if out.ID == "" {
		return session.Status[string]{}, errs.New(errs.CodeSessionCheckFailed,
			"session status without subject id")
	}
	return session.Resolved(out.ID), nil
}

// Offer returns the credential offer the service rendered for an already
// converted claim. The message is returned verbatim.
func (c *Client) Offer(ctx context.Context, issuer, subject, claimID string) (json.RawMessage, error) {
	u := fmt.Sprintf("%s/identities/%s/claims/offer?%s", c.baseURL, url.PathEscape(issuer),
		url.Values{"subject": {subject}, "claimId": {claimID}}.Encode())
	resp, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := c.decode(resp, &out); err != nil {
		return nil, errs.Wrap(err, errs.CodeConversionFailed, "failed to get credential offer")
	}
	return out, nil
}

type convertClaimRequest struct {
	HexData string `json:"hexData"`
	Version string `json:"version"`
}

type convertClaimResponse struct {
	ID string `json:"id"`
}

// ConvertClaim asks the service to turn the raw on-chain claim data into a
// verifiable credential and returns its record id.
func (c *Client) ConvertClaim(ctx context.Context, issuer, hexData, version string) (string, error) {
	body, err := json.Marshal(convertClaimRequest{HexData: hexData, Version: version})
	if err != nil {
		return "", errors.WithStack(err)
	}
	u := fmt.Sprintf("%s/identities/%s/claims", c.baseURL, url.PathEscape(issuer))
	resp, err := c.do(ctx, http.MethodPost, u, body)
	if err != nil {
		return "", err
	}
	var out convertClaimResponse
	if err := c.decode(resp, &out); err != nil {
		return "", errs.Wrap(err, errs.CodeConversionFailed, "failed to convert claim")
	}
	if out.ID == "" {
		return "", errs.New(errs.CodeConversionFailed, "converted claim without id")
	}
	return out.ID, nil
}

func (c *Client) httpClient() *http.Client {
	if c.customHTTPClient != nil {
		return c.customHTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpResp, err := c.httpClient().Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.WithError(err).WithField("url", u).Debug("issuer service request failed")
		return nil, errs.Wrap(err, errs.CodeNetworkUnavailable, "issuer service unavailable")
	}
	return httpResp, nil
}

// decode reads a JSON body of at most limitReaderBytes and closes it.
func (c *Client) decode(resp *http.Response, out interface{}) (err error) {
	defer func() {
		err2 := resp.Body.Close()
		if err2 != nil && err == nil {
			err = errors.WithStack(err2)
		}
	}()

	statusOK := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !statusOK {
		msg, _ := io.ReadAll(&io.LimitedReader{R: resp.Body, N: 512})
		return errors.Errorf("unexpected status code: %d %s",
			resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	limitReader := &io.LimitedReader{R: resp.Body, N: limitReaderBytes}
	respData, err := io.ReadAll(limitReader)
	if err != nil {
		return errors.WithStack(err)
	}
	if limitReader.N <= 0 {
		return errors.Errorf("response body size exceeds the limit of %d",
			limitReaderBytes)
	}
	return errors.WithStack(json.Unmarshal(respData, out))
}
