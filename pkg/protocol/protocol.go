// Package protocol translates between the engine's internal content ids and
// the structured content ids used on the wire.
//
// An internal content id has the form "<table>::<domain>:<id>", for example
// "feature::rss:4f2a". The table names the kind of node; the domain names the
// producer that owns the id space.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedContentID is returned when a content id cannot be translated.
var ErrMalformedContentID = errors.New("malformed content id")

const (
	tableSeparator  = "::"
	domainSeparator = ":"
)

// WireContentID is the structured form of a content id.
type WireContentID struct {
	Table         string `json:"table"`
	ContentDomain string `json:"content_domain"`
	ID            string `json:"id"`
}

// String returns the internal content id form.
func (w WireContentID) String() string {
	return w.Table + tableSeparator + w.ContentDomain + domainSeparator + w.ID
}

// Adapter translates content ids.
type Adapter interface {
	// WireContentID translates an internal content id.
	WireContentID(contentID string) (WireContentID, error)

	// ContentID translates a wire content id back to its internal form.
	ContentID(wire WireContentID) string
}

// DefaultAdapter implements the "<table>::<domain>:<id>" scheme.
type DefaultAdapter struct{}

// NewAdapter creates the default adapter.
func NewAdapter() *DefaultAdapter {
	return &DefaultAdapter{}
}

// WireContentID parses contentID.
func (*DefaultAdapter) WireContentID(contentID string) (WireContentID, error) {
	table, rest, ok := strings.Cut(contentID, tableSeparator)
	if !ok || table == "" {
		return WireContentID{}, fmt.Errorf("%w: %q has no table", ErrMalformedContentID, contentID)
	}
	domain, id, ok := strings.Cut(rest, domainSeparator)
	if !ok || domain == "" || id == "" {
		return WireContentID{}, fmt.Errorf("%w: %q has no domain or id", ErrMalformedContentID, contentID)
	}
	return WireContentID{Table: table, ContentDomain: domain, ID: id}, nil
}

// ContentID formats wire as an internal content id.
func (*DefaultAdapter) ContentID(wire WireContentID) string {
	return wire.String()
}

// Verify interface compliance.
var _ Adapter = (*DefaultAdapter)(nil)
