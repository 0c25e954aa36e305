// Package client is a Go client for the import API. Besides the plain
// request methods it implements both sides of the progress contract: the
// Poller and the StreamWatcher end on the same terminal snapshot.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/JonMunkholm/stockimport/internal/core"
)

// APIError is a non-2xx response of the import API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Action     string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("import api: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("import api: %s (%s, HTTP %d)", e.Message, e.Code, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// retryable reports whether a request that failed with err may succeed
// when repeated: transport failures and 5xx responses.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Client talks to one import API server.
type Client struct {
	baseURL string
	http    *http.Client
	apiKey  string
	tenant  string
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey authenticates requests with an API key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTenant selects the tenant when the server does not require API keys.
func WithTenant(tenant string) Option {
	return func(c *Client) { c.tenant = tenant }
}

// WithHTTPClient replaces http.DefaultClient. Push streams stay open for
// the lifetime of a job, so the client should not set a global Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UploadRequest describes one file to import.
type UploadRequest struct {
	ImportType    string
	FileName      string
	Body          io.Reader
	Options       core.ImportOptions
	EstimatedRows int // 0 or less when unknown
}

// UploadResult is the intake response. Inline is true when the job
// finished before the server answered.
type UploadResult struct {
	JobID    string                `json:"jobId"`
	Status   core.JobStatus        `json:"status"`
	Decision core.ChannelDecision  `json:"decision"`
	Snapshot core.ProgressSnapshot `json:"snapshot"`
	Inline   bool                  `json:"-"`
}

// Upload streams a file to POST /imports/{type}.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	opts, err := json.Marshal(req.Options)
	if err != nil {
		return UploadResult{}, fmt.Errorf("encode options: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, req, opts))
	}()

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/imports/"+url.PathEscape(req.ImportType), pr)
	if err != nil {
		pr.Close()
		return UploadResult{}, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var res UploadResult
	status, err := c.do(httpReq, &res)
	if err != nil {
		return UploadResult{}, err
	}
	res.Inline = status == http.StatusOK
	return res, nil
}

func writeUploadForm(mw *multipart.Writer, req UploadRequest, opts []byte) error {
	if err := mw.WriteField("options", string(opts)); err != nil {
		return err
	}
	if req.EstimatedRows > 0 {
		if err := mw.WriteField("estimated-rows", strconv.Itoa(req.EstimatedRows)); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", req.FileName)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, req.Body); err != nil {
		return fmt.Errorf("read upload: %w", err)
	}
	return mw.Close()
}

// Status returns the current snapshot of a job.
func (c *Client) Status(ctx context.Context, jobID string) (core.ProgressSnapshot, error) {
	var snap core.ProgressSnapshot
	err := c.getJSON(ctx, "/imports/jobs/"+url.PathEscape(jobID), &snap)
	return snap, err
}

// Cancel requests cancellation and returns the resulting snapshot.
func (c *Client) Cancel(ctx context.Context, jobID string) (core.ProgressSnapshot, error) {
	req, err := c.newRequest(ctx, http.MethodDelete, "/imports/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return core.ProgressSnapshot{}, err
	}
	var snap core.ProgressSnapshot
	_, err = c.do(req, &snap)
	return snap, err
}

// Classify asks the server how progress of such a file would be delivered.
// Negative size or rows mean unknown.
func (c *Client) Classify(ctx context.Context, importType string, size int64, rows int) (core.ChannelDecision, error) {
	q := url.Values{"type": {importType}}
	if size >= 0 {
		q.Set("size", strconv.FormatInt(size, 10))
	}
	if rows >= 0 {
		q.Set("rows", strconv.Itoa(rows))
	}
	var d core.ChannelDecision
	err := c.getJSON(ctx, "/imports/classify?"+q.Encode(), &d)
	return d, err
}

// ErrorReport copies the error report of a job in the given format
// (json, csv, xlsx or html) to w.
func (c *Client) ErrorReport(ctx context.Context, jobID, format string, w io.Writer) error {
	path := "/imports/jobs/" + url.PathEscape(jobID) + "/errors?format=" + url.QueryEscape(format)
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return decodeAPIError(res)
	}
	_, err = io.Copy(w, res.Body)
	return err
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	_, err = c.do(req, v)
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}
	return req, nil
}

// do sends req and decodes a 2xx JSON body into v.
func (c *Client) do(req *http.Request, v any) (int, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return res.StatusCode, decodeAPIError(res)
	}
	if v != nil {
		if err := json.NewDecoder(res.Body).Decode(v); err != nil {
			return res.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return res.StatusCode, nil
}

func decodeAPIError(res *http.Response) error {
	apiErr := &APIError{StatusCode: res.StatusCode}
	var body struct {
		Message string `json:"message"`
		Action  string `json:"action"`
		Code    string `json:"code"`
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Code, apiErr.Message, apiErr.Action = body.Code, body.Message, body.Action
	}
	return apiErr
}
