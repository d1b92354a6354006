// Package api is the HTTP client for the attendance recognition service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Endpoint paths relative to the service base URL
const (
	PathVerify        = "/api/verify"
	PathAddStudent    = "/api/admin/add_student"
	PathRemoveStudent = "/api/admin/remove_student"
	PathAdminLogin    = "/admin/login"
	PathDashboard     = "/admin/dashboard"
)

// maxBodyBytes caps how much of a response body is read
const maxBodyBytes = 1 << 20

// ErrLoginRejected is returned when the admin password is not accepted
var ErrLoginRejected = errors.New("admin login rejected")

// MutationResult is the response of the add and remove endpoints
type MutationResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Removed  *bool    `json:"removed,omitempty"`
	Students []string `json:"students,omitempty"`
}

// VerifyResult is the response of the verify endpoint. Distance is absent on
// errors.
type VerifyResult struct {
	Match    bool     `json:"match"`
	Name     string   `json:"name,omitempty"`
	Error    string   `json:"error,omitempty"`
	Distance *float64 `json:"distance,omitempty"`
}

// ImagePart is an image file attached to an enrollment request
type ImagePart struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Client talks to the recognition service. It keeps a cookie jar so the admin
// session survives between calls.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	logger  logrus.FieldLogger
}

// NewClient creates a client for baseURL. A timeout of zero disables the
// per-request deadline.
func NewClient(baseURL string, timeout time.Duration, logger logrus.FieldLogger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("could not parse server url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("server url %q must include scheme and host", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("could not create cookie jar: %w", err)
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{Jar: jar},
		logger:  logger,
	}, nil
}

// BaseURL returns the service root the client was created with
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login opens an admin session with password. The server answers a correct
// password by redirecting to the dashboard.
func (c *Client) Login(ctx context.Context, password string) error {
	form := url.Values{"password": {password}}

	resp, err := c.send(ctx, http.MethodPost, PathAdminLogin,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode != http.StatusOK || !strings.HasSuffix(resp.Request.URL.Path, PathDashboard) {
		return ErrLoginRejected
	}
	c.logger.Debug("Admin session established")
	return nil
}

// AddStudent enrolls name, optionally with an image
func (c *Client) AddStudent(ctx context.Context, name string, image *ImagePart) (*MutationResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("name", name); err != nil {
		return nil, fmt.Errorf("could not write name field: %w", err)
	}
	if image != nil {
		if err := writeImagePart(writer, image); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("could not close writer: %w", err)
	}

	var result MutationResult
	if err := c.do(ctx, PathAddStudent, &body, writer.FormDataContentType(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RemoveStudent removes every enrolled image of name
func (c *Client) RemoveStudent(ctx context.Context, name string) (*MutationResult, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("name", name); err != nil {
		return nil, fmt.Errorf("could not write name field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("could not close writer: %w", err)
	}

	var result MutationResult
	if err := c.do(ctx, PathRemoveStudent, &body, writer.FormDataContentType(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Verify submits a data URL for recognition
func (c *Client) Verify(ctx context.Context, dataURL string) (*VerifyResult, error) {
	payload, err := json.Marshal(map[string]string{"image": dataURL})
	if err != nil {
		return nil, fmt.Errorf("could not marshal request body: %w", err)
	}

	var result VerifyResult
	if err := c.do(ctx, PathVerify, bytes.NewReader(payload), "application/json", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func writeImagePart(writer *multipart.Writer, image *ImagePart) error {
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{
		fmt.Sprintf(`form-data; name="image"; filename="%s"`, escapeQuotes(image.Filename)),
	}
	contentType := image.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header["Content-Type"] = []string{contentType}

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("could not create form file: %w", err)
	}
	if _, err := part.Write(image.Data); err != nil {
		return fmt.Errorf("could not copy image data: %w", err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// do POSTs body to endpoint and decodes the JSON response into result. Error
// statuses are decoded too since the service reports failures as JSON with a
// 4xx status.
func (c *Client) do(ctx context.Context, endpoint string, body io.Reader, contentType string, result any) error {
	resp, err := c.send(ctx, http.MethodPost, endpoint, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("could not read response body: %w", err)
	}

	if err := json.Unmarshal(raw, result); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, readErrorBody(raw))
		}
		return fmt.Errorf("could not unmarshal response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debugf("%s answered %d with a JSON body", endpoint, resp.StatusCode)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		// The body is read by the caller before ctx may be cancelled
		resp, err := c.sendWithContext(ctx, method, endpoint, body, contentType)
		if err != nil {
			cancel()
			return nil, err
		}
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
	return c.sendWithContext(ctx, method, endpoint, body, contentType)
}

func (c *Client) sendWithContext(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WithField("request_id", requestID).Warnf("%s %s failed: %v", method, endpoint, err)
		return nil, fmt.Errorf("could not send request: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"status":     resp.StatusCode,
		"elapsed":    time.Since(start).Round(time.Millisecond),
	}).Debugf("%s %s", method, endpoint)
	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// readErrorBody trims a non-JSON error body for inclusion in an error message
func readErrorBody(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if r := []rune(s); len(r) > 200 {
		s = string(r[:200]) + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
