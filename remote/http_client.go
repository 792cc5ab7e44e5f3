// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

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
)

// HTTPStore is a Store that talks to the records HTTP API
type HTTPStore struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT; nil sends no Authorization header
	HTTP    *http.Client
}

var (
	_ Store  = (*HTTPStore)(nil)
	_ Pinger = (*HTTPStore)(nil)
)

// NewHTTPStore creates a client for the API at baseURL
func NewHTTPStore(baseURL string, tok func(context.Context) (string, error)) *HTTPStore {
	return &HTTPStore{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   tok,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPStore) recordURL(entityType, id string) string {
	return fmt.Sprintf("%s/v1/records/%s/%s", c.BaseURL, url.PathEscape(entityType), url.PathEscape(id))
}

// Ping calls the health endpoint
func (c *HTTPStore) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Fetch returns the current record
func (c *HTTPStore) Fetch(ctx context.Context, entityType, id string) (*Record, error) {
	return c.do(ctx, http.MethodGet, c.recordURL(entityType, id), nil)
}

// Upsert sends a PUT
func (c *HTTPStore) Upsert(ctx context.Context, w Write) (*Record, error) {
	return c.do(ctx, http.MethodPut, c.recordURL(w.EntityType, w.ID), &w)
}

// Delete sends a DELETE with the write as body
func (c *HTTPStore) Delete(ctx context.Context, w Write) (*Record, error) {
	return c.do(ctx, http.MethodDelete, c.recordURL(w.EntityType, w.ID), &w)
}

func (c *HTTPStore) do(ctx context.Context, method, u string, w *Write) (*Record, error) {
	var body io.Reader
	if w != nil {
		jsonData, err := json.Marshal(w)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal write request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if w != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWT token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send HTTP request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeErrorResponse(resp)
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: failed to decode record: %v", ErrUnavailable, err)
	}
	return &rec, nil
}

func decodeErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	var er ErrorResponse
	_ = json.Unmarshal(raw, &er)
	msg := er.Message
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case resp.StatusCode == http.StatusConflict:
		if er.Current != nil {
			return &RevisionMismatchError{Current: er.Current}
		}
		return fmt.Errorf("%w: %s", ErrRevisionMismatch, msg)
	case resp.StatusCode == http.StatusUnprocessableEntity, resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrInvalid, msg)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		// retried after the host app refreshes credentials
		return fmt.Errorf("%w: server returned status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	default:
		return fmt.Errorf("%w: server returned status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}
}
