// Package request defines the network collaborators of the feed engine: the
// manager that fetches stream content and the manager that uploads actions.
// Implementations live in subpackages (rss, httpupload).
package request

import (
	"context"
	"errors"

	"github.com/txn2/feedsync/pkg/stream"
)

// ErrNoMoreContent is returned by LoadMore when the token has nothing behind it.
var ErrNoMoreContent = errors.New("no more content")

// Refresh describes a refresh request.
type Refresh struct {
	// Reason explains why the refresh was requested.
	Reason stream.RequestReason

	// UIContext is an opaque blob forwarded from the host.
	UIContext []byte
}

// Response is the content delivered by a request, ready to be committed.
type Response struct {
	// Operations are applied in order as one mutation.
	Operations []stream.DataOperation

	// SemanticProperties are persisted alongside the content.
	SemanticProperties []stream.SemanticProperties
}

// FeedRequestManager fetches stream content.
type FeedRequestManager interface {
	// TriggerRefresh fetches the head of the stream.
	TriggerRefresh(ctx context.Context, req Refresh) (Response, error)

	// LoadMore fetches the page behind a continuation token.
	LoadMore(ctx context.Context, token stream.Token) (Response, error)
}

// ActionUploadRequestManager uploads locally recorded actions.
type ActionUploadRequestManager interface {
	// UploadActions sends actions and returns the ones the server accepted.
	UploadActions(ctx context.Context, actions []stream.UploadableAction) ([]stream.UploadableAction, error)
}
