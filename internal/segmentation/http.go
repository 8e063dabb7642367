package segmentation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/cutout/internal/logging"
)

const maxResponseBytes = 64 << 20

/*
HTTPClient talks to a rembg-style server:

	curl -X POST "$URL" -F "file=@my_image.png" -o out.png
*/
type HTTPClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
	maxBytes int64
}

var _ Service = (*HTTPClient)(nil)

// NewHTTPClient posts to endpoint. A zero timeout leaves requests bounded
// only by their context.
func NewHTTPClient(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("segmentation_http"),
		maxBytes: maxResponseBytes,
	}
}

// Remove uploads data as the "file" form field and returns the response body.
func (h *HTTPClient) Remove(ctx context.Context, data []byte, opts Options) ([]byte, error) {
	out, err := h.remove(ctx, data, opts)
	if err != nil {
		wrapped := logging.NewOperationError("segmentation.http_remove", "", err)
		h.logger.Error("segmentation call failed", zap.Error(wrapped), zap.String("endpoint", h.endpoint))
		return nil, wrapped
	}
	return out, nil
}

func (h *HTTPClient) remove(ctx context.Context, data []byte, opts Options) ([]byte, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "image")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "image/png")

	opts.report(StageUpload, 0.1)
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnsupportedMediaType,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, excerpt(resp.Body))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("status code %d: %s", resp.StatusCode, excerpt(resp.Body))
	}

	opts.report(StageInference, 0.7)
	out, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(out)) > h.maxBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", h.maxBytes)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	opts.report(StageDone, 1)
	return out, nil
}

func excerpt(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}
