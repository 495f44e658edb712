// Package upload submits whole image and video files to the detector's HTTP endpoints.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bryanchriswhite/FaceKeypoints/internal/logger"
)

// ErrUploadFailed is wrapped by every Submit error
var ErrUploadFailed = errors.New("upload failed")

// UserMessage is the single message shown to the user for any upload failure
const UserMessage = "Failed to process file. Check backend logs."

// DefaultTimeout bounds one upload including processing on the detector
const DefaultTimeout = 5 * time.Minute

// Kind selects the endpoint
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Endpoint returns the request path for the kind
func (k Kind) Endpoint() string {
	return "/detect/" + string(k)
}

// DefaultOutput returns the file name a processed result is saved under
func (k Kind) DefaultOutput() string {
	if k == KindVideo {
		return "detected_video.mp4"
	}
	return "detected_image.jpg"
}

// FailureError is returned for a non-2xx response
type FailureError struct {
	StatusCode int
	Body       string
}

func (e *FailureError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("detector returned %d", e.StatusCode)
	}
	return fmt.Sprintf("detector returned %d: %s", e.StatusCode, e.Body)
}

func (e *FailureError) Unwrap() error {
	return ErrUploadFailed
}

// Result is the processed file returned by the detector
type Result struct {
	Body        []byte
	ContentType string
}

// Save writes the processed file to path
func (r Result) Save(path string) error {
	if err := os.WriteFile(path, r.Body, 0644); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// Client posts files to a detector base URL such as http://localhost:8000
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client; timeout <= 0 uses DefaultTimeout
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Submit uploads the file at path as multipart field "file" and returns the processed file
func (c *Client) Submit(ctx context.Context, kind Kind, path string) (Result, error) {
	log := logger.WithComponent("upload")

	if kind != KindImage && kind != KindVideo {
		return Result{}, fmt.Errorf("%w: unknown kind %q", ErrUploadFailed, kind)
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	defer f.Close()

	// Stream the file so large videos are never held in memory
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	url := c.baseURL + kind.Endpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		pr.Close()
		return Result{}, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	log.Info().Str("url", url).Str("file", path).Msg("Uploading file")

	resp, err := c.http.Do(req)
	if err != nil {
		pr.Close()
		return Result{}, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: failed to read response: %w", ErrUploadFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ferr := &FailureError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		log.Error().Err(ferr).Str("url", url).Msg("Detector rejected upload")
		return Result{}, ferr
	}

	log.Info().
		Int("status", resp.StatusCode).
		Int("bytes", len(body)).
		Dur("took", time.Since(start)).
		Msg("Upload processed")

	return Result{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}
