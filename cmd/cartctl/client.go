package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const sessionHeader = "X-Session-ID"

// apiClient sends requests for one cart session.
type apiClient struct {
	base    string
	session string
	http    *http.Client
}

func newClient(opts *RootOptions) *apiClient {
	return &apiClient{
		base:    strings.TrimSuffix(opts.Server, "/"),
		session: opts.Session,
		http:    &http.Client{Timeout: opts.Timeout},
	}
}

// response is a raw server response.
type response struct {
	Status int
	Header http.Header
	Body   []byte
}

// apiError is the server's error body.
type apiError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// do sends one request. Responses with status >= 400 become *apiError.
func (c *apiClient) do(ctx context.Context, method, path string, body any, header http.Header) (*response, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.session != "" {
		req.Header.Set(sessionHeader, c.session)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error apiError `json:"error"`
		}
		if err := json.Unmarshal(respBody, &envelope); err != nil || envelope.Error.Code == "" {
			return nil, &apiError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: strings.TrimSpace(string(respBody))}
		}
		envelope.Error.Status = resp.StatusCode
		return nil, &envelope.Error
	}

	return &response{Status: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// doJSON sends a request and decodes the JSON response into out.
func (c *apiClient) doJSON(ctx context.Context, method, path string, body any, header http.Header, out any) (*response, error) {
	resp, err := c.do(ctx, method, path, body, header)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return nil, fmt.Errorf("parsing response: %w", err)
		}
	}
	return resp, nil
}
