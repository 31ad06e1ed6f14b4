package syncclient

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
	"time"
)

// ErrOffline reports a save attempted with no transport and no spill
// queue to fall back on.
var ErrOffline = errors.New("syncclient: offline")

// Client is the HTTP API client used for envelope fetch/save, single
// annotation patches and deletes. The polling transport reuses it.
type Client struct {
	baseURL  string
	hc       *http.Client
	userID   string
	userName string
}

// NewClient builds a client for the API at baseURL. userID and userName
// are sent as attribution headers on every request.
func NewClient(baseURL, userID, userName string) *Client {
	return &Client{
		baseURL:  baseURL,
		hc:       &http.Client{Timeout: 15 * time.Second},
		userID:   userID,
		userName: userName,
	}
}

// SaveResult is the response to a batch create: the stored records plus
// the provisional-id to server-id mapping.
type SaveResult struct {
	Annotations []Record          `json:"annotations"`
	IDMap       map[string]string `json:"idMap"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-Id", c.userID)
	req.Header.Set("X-User-Name", c.userName)

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"error"`
		}
		if decErr := json.NewDecoder(resp.Body).Decode(&apiErr); decErr == nil && apiErr.Code != "" {
			return fmt.Errorf("syncclient: %s %s: %s (%s)", method, path, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("syncclient: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// FetchEnvelope retrieves the document's annotation set. page 0 means
// all pages.
func (c *Client) FetchEnvelope(ctx context.Context, documentID string, page int) (Envelope, error) {
	path := "/api/documents/" + url.PathEscape(documentID) + "/annotations"
	if page > 0 {
		path += "?page=" + strconv.Itoa(page)
	}
	var env Envelope
	if err := c.do(ctx, http.MethodGet, path, nil, &env); err != nil {
		return Envelope{}, err
	}
	if env.Format != Format {
		return Envelope{}, fmt.Errorf("syncclient: server returned envelope format %q", env.Format)
	}
	return env, nil
}

// SaveEnvelope posts an envelope for all-or-nothing persistence and
// returns the id mapping for provisional annotations.
func (c *Client) SaveEnvelope(ctx context.Context, env Envelope) (SaveResult, error) {
	var res SaveResult
	path := "/api/documents/" + url.PathEscape(env.DocumentID) + "/annotations"
	if err := c.do(ctx, http.MethodPost, path, env, &res); err != nil {
		return SaveResult{}, err
	}
	return res, nil
}

// UpdateAnnotation applies a single-record patch under last-writer-wins
// and returns the stored record with its new rev.
func (c *Client) UpdateAnnotation(ctx context.Context, r Record) (Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodPut, "/api/annotations/"+url.PathEscape(r.ID), r, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

// DeleteAnnotation removes an annotation; the server cascades through
// the hierarchy.
func (c *Client) DeleteAnnotation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/annotations/"+url.PathEscape(id), nil, nil)
}

// SaveFunc adapts the client to the autosaver.
func (c *Client) SaveFunc() SaveFunc {
	return func(ctx context.Context, env Envelope) (map[string]string, error) {
		res, err := c.SaveEnvelope(ctx, env)
		if err != nil {
			return nil, err
		}
		return res.IDMap, nil
	}
}
