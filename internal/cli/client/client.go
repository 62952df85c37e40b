// Package client talks to a hive-server over its /api/v1 surface.
package client

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

	"hive/internal/common/http/middleware"
	"hive/internal/submit/controller"
	"hive/internal/submit/repository"

	"github.com/gorilla/websocket"
)

// APIError is a non-2xx envelope returned by the server.
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id"`
}

func (e *APIError) Error() string {
	if e.TraceID != "" {
		return fmt.Sprintf("%s (http %d, code %d, trace %s)", e.Message, e.StatusCode, e.Code, e.TraceID)
	}
	return fmt.Sprintf("%s (http %d, code %d)", e.Message, e.StatusCode, e.Code)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	TraceID string          `json:"trace_id"`
}

// Client wraps HTTP requests for the hive CLI.
type Client struct {
	baseURL string
	userID  int64
	http    *http.Client
}

func New(baseURL string, userID int64, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: timeout},
	}
}

// Submit uploads file for projectID and returns the new submission id.
func (c *Client) Submit(ctx context.Context, projectID int64, file []byte) (string, error) {
	var out controller.CreateSubmissionResponse
	path := fmt.Sprintf("/api/v1/projects/%d/submissions", projectID)
	if err := c.do(ctx, http.MethodPost, path, "application/octet-stream", file, &out); err != nil {
		return "", err
	}
	return out.SubmissionID, nil
}

// Submission fetches one submission.
func (c *Client) Submission(ctx context.Context, id string) (controller.SubmissionDetail, error) {
	var out controller.SubmissionDetail
	err := c.do(ctx, http.MethodGet, "/api/v1/submissions/"+url.PathEscape(id), "", nil, &out)
	return out, err
}

// Programs lists the caller's programs and projects.
func (c *Client) Programs(ctx context.Context) ([]repository.ProgramSummary, error) {
	var out []repository.ProgramSummary
	err := c.do(ctx, http.MethodGet, "/api/v1/programs", "", nil, &out)
	return out, err
}

// UploadHarness replaces the harness archive of projectID.
func (c *Client) UploadHarness(ctx context.Context, projectID int64, archive []byte) error {
	path := fmt.Sprintf("/api/v1/projects/%d/harness", projectID)
	return c.do(ctx, http.MethodPut, path, "application/octet-stream", archive, nil)
}

// Watch follows a submission over the websocket endpoint. onFrame sees every
// pending frame; the returned detail is the completed submission.
func (c *Client) Watch(ctx context.Context, id string, onFrame func(controller.WatchFrame)) (controller.SubmissionDetail, error) {
	var detail controller.SubmissionDetail
	wsURL, err := c.websocketURL("/api/v1/submissions/" + url.PathEscape(id) + "/watch")
	if err != nil {
		return detail, err
	}
	header := http.Header{}
	header.Set(middleware.UserIDHeader, fmt.Sprint(c.userID))

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if apiErr := decodeError(resp); apiErr != nil {
				return detail, apiErr
			}
		}
		return detail, fmt.Errorf("dial watch failed: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return detail, ctx.Err()
			}
			return detail, fmt.Errorf("watch closed before completion: %w", err)
		}
		var frame controller.WatchFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return detail, fmt.Errorf("decode watch frame failed: %w", err)
		}
		if frame.Status != controller.StatusCompleted {
			if onFrame != nil {
				onFrame(frame)
			}
			continue
		}
		if err := json.Unmarshal(data, &detail); err != nil {
			return detail, fmt.Errorf("decode submission failed: %w", err)
		}
		return detail, nil
	}
}

func (c *Client) websocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("parse base url failed: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request failed: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(middleware.UserIDHeader, fmt.Sprint(c.userID))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		if apiErr := decodeError(resp); apiErr != nil {
			return apiErr
		}
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response failed: %w", err)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data failed: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) *APIError {
	var apiErr APIError
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&apiErr); err != nil || apiErr.Message == "" {
		return nil
	}
	apiErr.StatusCode = resp.StatusCode
	return &apiErr
}
