package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAdapter_WireContentID(t *testing.T) {
	tests := []struct {
		name      string
		contentID string
		want      WireContentID
		wantErr   bool
	}{
		{
			name:      "feature id",
			contentID: "feature::rss:abc",
			want:      WireContentID{Table: "feature", ContentDomain: "rss", ID: "abc"},
		},
		{
			name:      "id containing separators",
			contentID: "feature::rss:https://example.com/a",
			want:      WireContentID{Table: "feature", ContentDomain: "rss", ID: "https://example.com/a"},
		},
		{name: "no table", contentID: "rss:abc", wantErr: true},
		{name: "empty table", contentID: "::rss:abc", wantErr: true},
		{name: "no domain", contentID: "feature::abc", wantErr: true},
		{name: "empty id", contentID: "feature::rss:", wantErr: true},
		{name: "empty", contentID: "", wantErr: true},
	}

	a := NewAdapter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.WireContentID(tt.contentID)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedContentID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.contentID, a.ContentID(got))
		})
	}
}
