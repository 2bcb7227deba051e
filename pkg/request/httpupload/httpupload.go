// Package httpupload implements request.ActionUploadRequestManager by posting
// actions as JSON to an upload endpoint.
package httpupload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/txn2/feedsync/pkg/request"
	"github.com/txn2/feedsync/pkg/stream"
)

const (
	defaultTimeout = 15 * time.Second
	errorBodyLimit = 4096
)

// ErrNoEndpoint is returned by New when no endpoint is configured.
var ErrNoEndpoint = errors.New("httpupload: endpoint is required")

// Config configures an Uploader.
type Config struct {
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

type uploadRequest struct {
	Actions []stream.UploadableAction `json:"actions"`
}

type uploadResponse struct {
	Accepted []stream.UploadableAction `json:"accepted"`
}

// Uploader posts actions to an HTTP endpoint.
type Uploader struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// New creates an Uploader.
func New(cfg Config) (*Uploader, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Uploader{endpoint: cfg.Endpoint, client: cfg.Client, logger: cfg.Logger}, nil
}

// UploadActions implements request.ActionUploadRequestManager. The endpoint
// answers with the actions it accepted; a 204 accepts everything.
func (u *Uploader) UploadActions(ctx context.Context, actions []stream.UploadableAction) ([]stream.UploadableAction, error) {
	if len(actions) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(uploadRequest{Actions: actions})
	if err != nil {
		return nil, fmt.Errorf("encoding actions: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading actions: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	switch {
	case res.StatusCode == http.StatusNoContent:
		return actions, nil
	case res.StatusCode < 200 || res.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(res.Body, errorBodyLimit))
		return nil, fmt.Errorf("uploading actions: status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out uploadResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	u.logger.Debug("actions uploaded", "sent", len(actions), "accepted", len(out.Accepted))
	return out.Accepted, nil
}

var _ request.ActionUploadRequestManager = (*Uploader)(nil)
