// Package dispatch talks to the upload dispatcher, the external
// service that validates upload metadata and issues a signed write URL
// plus the canonical storage path.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is the full metadata handshake the dispatcher validates.
type Request struct {
	FileName        string `json:"file_name"`
	FilePath        string `json:"file_path"`
	BucketName      string `json:"bucket_name"`
	ContentType     string `json:"content_type"`
	UploadTimestamp string `json:"upload_timestamp"`
	UserID          string `json:"user_id"`
	SessionID       string `json:"session_id"`
	ServiceKeyRole  string `json:"service_key_role"`
	DocumentType    string `json:"document_type"`
}

type Response struct {
	Status     string `json:"status"`
	SignedURL  string `json:"signed_url"`
	UploadPath string `json:"upload_path"`
}

// RejectedError carries the dispatcher's own response body for
// diagnostics; the upload is abandoned, not retried.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("dispatcher rejected upload (status %d): %s", e.StatusCode, e.Body)
}

type Client struct {
	url        string
	authToken  string
	httpClient *http.Client
}

func New(url, authToken string) *Client {
	return &Client{
		url:       url,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Validate posts the upload metadata. Any non-2xx response, or a 2xx
// body whose status field is not "success", is a hard rejection.
func (c *Client) Validate(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal dispatch request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("dispatch call: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, &RejectedError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed Response
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, &RejectedError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if parsed.Status != "success" {
		return Response{}, &RejectedError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return parsed, nil
}

// UploadError reports a failed direct write to the signed URL.
type UploadError struct {
	StatusCode int
	Body       string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("storage write failed (status %d): %s", e.StatusCode, e.Body)
}

// UploadToSignedURL PUTs the raw bytes to the dispatcher-issued URL.
// Exactly one attempt; the caller resubmits on failure.
func (c *Client) UploadToSignedURL(ctx context.Context, signedURL, contentType string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UploadError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}
