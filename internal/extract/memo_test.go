package extract

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls int
	fail  bool
}

func (s *countingSource) Name() string { return "docai" }

func (s *countingSource) Extract(_ context.Context, doc Document) (Result, error) {
	s.calls++
	if s.fail {
		return nil, errors.New("layout api down")
	}
	return &TreeResult{Raw: []byte(doc.ItemID)}, nil
}

func TestMemoReusesResultPerDocument(t *testing.T) {
	src := &countingSource{}
	m := NewMemo(src, 2)
	assert.Equal(t, "docai", m.Name())

	doc := Document{ItemID: "a", Bytes: []byte("%PDF-a")}
	first, err := m.Extract(context.Background(), doc)
	require.NoError(t, err)
	second, err := m.Extract(context.Background(), doc)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, src.calls)

	_, err = m.Extract(context.Background(), Document{ItemID: "a", Bytes: []byte("%PDF-changed")})
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestMemoEvictsOldest(t *testing.T) {
	src := &countingSource{}
	m := NewMemo(src, 2)
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Extract(context.Background(), Document{ItemID: id})
		require.NoError(t, err)
	}
	_, err := m.Extract(context.Background(), Document{ItemID: "c"})
	require.NoError(t, err)
	assert.Equal(t, 3, src.calls)

	_, err = m.Extract(context.Background(), Document{ItemID: "a"})
	require.NoError(t, err)
	assert.Equal(t, 4, src.calls)
}

func TestMemoDoesNotKeepErrors(t *testing.T) {
	src := &countingSource{fail: true}
	m := NewMemo(src, 2)
	doc := Document{ItemID: "a"}

	_, err := m.Extract(context.Background(), doc)
	require.Error(t, err)
	src.fail = false
	_, err = m.Extract(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}
