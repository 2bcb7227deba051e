package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDataOperation_Validate(t *testing.T) {
	tests := []struct {
		name    string
		op      DataOperation
		wantErr bool
	}{
		{name: "clear all without id", op: DataOperation{Structure: Structure{Operation: OperationClearAll}}},
		{name: "append", op: DataOperation{Structure: Structure{Operation: OperationUpdateOrAppend, ContentID: "a"}}},
		{name: "remove without id", op: DataOperation{Structure: Structure{Operation: OperationRemove}}, wantErr: true},
		{name: "unknown", op: DataOperation{Structure: Structure{Operation: "MOVE", ContentID: "a"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFeature_URL(t *testing.T) {
	var nilFeature *Feature
	_, ok := nilFeature.URL()
	assert.False(t, ok)

	_, ok = (&Feature{ContentID: "a", Content: &Content{}}).URL()
	assert.False(t, ok)

	url, ok := (&Feature{Content: &Content{RepresentationData: &RepresentationData{URI: "https://x"}}}).URL()
	assert.True(t, ok)
	assert.Equal(t, "https://x", url)
}

func TestPayload_Kind(t *testing.T) {
	var p *Payload
	assert.Equal(t, "none", p.Kind())
	assert.Equal(t, "feature", (&Payload{Feature: &Feature{}}).Kind())
	assert.Equal(t, "token", (&Payload{Token: &Token{}}).Kind())
	assert.Equal(t, "shared_state", (&Payload{SharedState: &SharedState{}}).Kind())
	assert.Equal(t, "none", (&Payload{}).Kind())
}

func TestUploadableAction_Key(t *testing.T) {
	a := UploadableAction{Type: ActionDismiss, FeatureContentID: "feature::1"}
	assert.Equal(t, "DISMISS|feature::1", a.Key())
	assert.True(t, MutationContext{RequestingSessionID: "s"}.HasRequestingSession())
	assert.False(t, MutationContext{}.HasRequestingSession())
}
