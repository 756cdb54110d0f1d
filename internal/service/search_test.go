package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchService_Search(t *testing.T) {
	vectors := newFakeVectors()
	idx := NewQdrantIndex(vectors, fakeEmbedder{}, "vi_account_")
	ctx := context.Background()
	handle, err := idx.Handle(ctx, "acc")
	require.NoError(t, err)
	_, err = idx.Upload(ctx, handle, "b", toDocuments(makeRecords(2)))
	require.NoError(t, err)

	svc := NewSearchService(idx, &SearchConfig{TopK: 8})
	resp, err := svc.Search(ctx, "acc", &SearchRequest{Query: "  content  "})
	require.NoError(t, err)
	assert.Equal(t, "content", resp.Query)
	assert.Equal(t, 2, resp.Total)
	assert.Contains(t, resp.Context, documentSeparator)
}

func TestSearchService_Errors(t *testing.T) {
	_, err := NewSearchService(nil, nil).Search(context.Background(), "acc", &SearchRequest{Query: "x"})
	assert.True(t, errors.Is(err, ErrIndexDisabled))

	svc := NewSearchService(NewQdrantIndex(newFakeVectors(), fakeEmbedder{}, "p_"), nil)
	_, err = svc.Search(context.Background(), "acc", &SearchRequest{Query: "   "})
	assert.Error(t, err)
}
