// Package rss implements request.FeedRequestManager on top of an RSS or Atom
// document. Items become feature content; pages beyond the first are reached
// through continuation tokens.
package rss

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/txn2/feedsync/pkg/protocol"
	"github.com/txn2/feedsync/pkg/request"
	"github.com/txn2/feedsync/pkg/stream"
)

const (
	contentDomain   = "rss"
	defaultPageSize = 20
	defaultTimeout  = 30 * time.Second
	snippetLimit    = 280
	errorBodyLimit  = 16384
)

// ErrNoURL is returned by New when no feed url is configured.
var ErrNoURL = errors.New("rss: feed url is required")

// ErrBadToken is returned by LoadMore for a token this source did not issue.
var ErrBadToken = errors.New("rss: malformed continuation token")

// Config configures a Source.
type Config struct {
	URL       string
	PageSize  int
	Timeout   time.Duration
	UserAgent string
	Client    *http.Client
	Logger    *slog.Logger
}

// Source fetches a feed document and maps it to stream operations.
type Source struct {
	url       string
	pageSize  int
	userAgent string
	client    *http.Client
	parser    *gofeed.Parser
	logger    *slog.Logger
}

// New creates a Source.
func New(cfg Config) (*Source, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "feedsync"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Source{
		url:       cfg.URL,
		pageSize:  cfg.PageSize,
		userAgent: cfg.UserAgent,
		client:    cfg.Client,
		parser:    gofeed.NewParser(),
		logger:    cfg.Logger,
	}, nil
}

// TriggerRefresh implements request.FeedRequestManager. The response replaces
// the session content with the first page of the feed.
func (s *Source) TriggerRefresh(ctx context.Context, req request.Refresh) (request.Response, error) {
	feed, err := s.fetch(ctx)
	if err != nil {
		return request.Response{}, err
	}
	s.logger.Debug("feed refreshed", "url", s.url, "reason", string(req.Reason), "items", len(feed.Items))

	resp := s.page(feed, 0)
	resp.Operations = append([]stream.DataOperation{
		{Structure: stream.Structure{Operation: stream.OperationClearAll}},
	}, resp.Operations...)
	return resp, nil
}

// LoadMore implements request.FeedRequestManager. The token itself is
// removed and the next page appended.
func (s *Source) LoadMore(ctx context.Context, token stream.Token) (request.Response, error) {
	offset, err := strconv.Atoi(string(token.NextToken))
	if err != nil || offset < 0 {
		return request.Response{}, fmt.Errorf("%w: %q", ErrBadToken, token.NextToken)
	}

	feed, err := s.fetch(ctx)
	if err != nil {
		return request.Response{}, err
	}
	if offset >= len(feed.Items) {
		return request.Response{}, request.ErrNoMoreContent
	}

	resp := s.page(feed, offset)
	resp.Operations = append([]stream.DataOperation{
		{Structure: stream.Structure{Operation: stream.OperationRemove, ContentID: token.ContentID}},
	}, resp.Operations...)
	return resp, nil
}

func (s *Source) fetch(ctx context.Context) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("building feed request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, errorBodyLimit))
		return nil, fmt.Errorf("fetching feed: want 200, got %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	feed, err := s.parser.Parse(res.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing feed: %w", err)
	}
	return feed, nil
}

func (s *Source) page(feed *gofeed.Feed, offset int) request.Response {
	end := min(offset+s.pageSize, len(feed.Items))

	var resp request.Response
	for _, item := range feed.Items[offset:end] {
		id := itemContentID(item)
		resp.Operations = append(resp.Operations, stream.DataOperation{
			Structure: stream.Structure{Operation: stream.OperationUpdateOrAppend, ContentID: id},
			Payload:   &stream.Payload{Feature: itemFeature(feed, item, id)},
		})
		if props := itemProperties(item); props != nil {
			resp.SemanticProperties = append(resp.SemanticProperties, stream.SemanticProperties{ContentID: id, Data: props})
		}
	}

	if end < len(feed.Items) {
		tokenID := protocol.WireContentID{Table: "token", ContentDomain: contentDomain, ID: strconv.Itoa(end)}.String()
		resp.Operations = append(resp.Operations, stream.DataOperation{
			Structure: stream.Structure{Operation: stream.OperationUpdateOrAppend, ContentID: tokenID},
			Payload: &stream.Payload{Token: &stream.Token{
				ContentID: tokenID,
				NextToken: []byte(strconv.Itoa(end)),
			}},
		})
	}
	return resp
}

func itemContentID(item *gofeed.Item) string {
	key := item.GUID
	if key == "" {
		key = item.Link
	}
	if key == "" {
		key = item.Title
	}
	sum := sha256.Sum256([]byte(key))
	return protocol.WireContentID{Table: "feature", ContentDomain: contentDomain, ID: hex.EncodeToString(sum[:8])}.String()
}

func itemFeature(feed *gofeed.Feed, item *gofeed.Item, id string) *stream.Feature {
	content := &stream.Content{
		RepresentationData: &stream.RepresentationData{URI: item.Link},
		OfflineMetadata: &stream.OfflineMetadata{
			Title:     item.Title,
			Publisher: feed.Title,
			Snippet:   snippet(item.Description),
		},
	}
	if item.PublishedParsed != nil {
		content.RepresentationData.PublishedTimeSeconds = item.PublishedParsed.Unix()
		content.OfflineMetadata.TimeSeconds = item.PublishedParsed.Unix()
	}
	if item.Image != nil {
		content.OfflineMetadata.ImageURL = item.Image.URL
	}
	if feed.Image != nil {
		content.OfflineMetadata.FaviconURL = feed.Image.URL
	}
	return &stream.Feature{ContentID: id, Content: content}
}

type itemPropertiesDoc struct {
	Categories []string `json:"categories"`
}

// itemProperties returns the item categories as JSON, or nil when there are none.
func itemProperties(item *gofeed.Item) []byte {
	if len(item.Categories) == 0 {
		return nil
	}
	data, err := json.Marshal(itemPropertiesDoc{Categories: item.Categories})
	if err != nil {
		return nil
	}
	return data
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= snippetLimit {
		return s
	}
	return string(runes[:snippetLimit]) + "…"
}

var _ request.FeedRequestManager = (*Source)(nil)
