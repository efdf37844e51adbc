package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
)

const uploadContentType = "application/json"

// HTTPWriter posts reports to a collecting server.
type HTTPWriter struct {
	requestURL *url.URL
	client     *http.Client
}

func NewHTTPWriter(serverURL string) (*HTTPWriter, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("upload url must be an absolute http(s) url, got %q", serverURL)
	}
	return &HTTPWriter{
		requestURL: u,
		client:     &http.Client{},
	}, nil
}

func (w *HTTPWriter) Write(ctx context.Context, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", uploadContentType)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading report: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.DebugContext(ctx, "report uploaded", "url", w.requestURL.Redacted(), "status", resp.StatusCode)
		return nil
	}
	return decodeProblem(resp)
}

func decodeProblem(resp *http.Response) error {
	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "application/problem+json" || contentType == "application/json" {
		var problem struct {
			Detail string `json:"detail"`
			Error  string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problem); err != nil {
			return fmt.Errorf("status code: %d, decoding json response failed: %w", resp.StatusCode, err)
		}
		detail := problem.Detail
		if detail == "" {
			detail = problem.Error
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, detail)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return errors.Join(fmt.Errorf("status code: %d", resp.StatusCode), err)
	}
	return fmt.Errorf("status code: %d, body: %s", resp.StatusCode, string(body))
}

// Multi writes a report with every writer, all of them are tried.
type Multi []Writer

func (m Multi) Write(ctx context.Context, raw []byte) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
