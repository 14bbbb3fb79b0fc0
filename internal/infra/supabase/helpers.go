package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// ============================================================
// HTTP helpers for POST, PATCH and RPC
// ============================================================

func (c *Client) doPost(ctx context.Context, table string, data any) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, table)
	return c.send(ctx, http.MethodPost, endpoint, table, data)
}

// doPatch applies a filtered update and returns the updated rows, so a
// conditional update that matched nothing yields "[]".
func (c *Client) doPatch(ctx context.Context, path string, data any) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)
	return c.send(ctx, http.MethodPatch, endpoint, path, data)
}

// doRPC calls a SQL function exposed by PostgREST.
func (c *Client) doRPC(ctx context.Context, fn string, args map[string]any) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/rpc/%s", c.baseURL, fn)
	return c.send(ctx, http.MethodPost, endpoint, "rpc/"+fn, args)
}

func (c *Client) send(ctx context.Context, method, endpoint, target string, data any) ([]byte, error) {
	jsonBody, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, "return=representation")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("supabase: request failed",
			zap.String("method", method),
			zap.String("target", target),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("supabase: non-2xx response",
			zap.String("method", method),
			zap.String("target", target),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, newAPIError(resp.StatusCode, body)
	}

	c.logger.Debug("supabase: request OK",
		zap.String("method", method),
		zap.String("target", target),
		zap.Int("status", resp.StatusCode),
	)
	return body, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// eq builds a PostgREST equality filter with an escaped value.
func eq(column, value string) string {
	return fmt.Sprintf("%s=eq.%s", column, url.QueryEscape(value))
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// decodeFirst unmarshals a PostgREST row array and returns its first row,
// or nil when the array is empty.
func decodeFirst[T any](body []byte) (*T, error) {
	var rows []T
	if len(body) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
