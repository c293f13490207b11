package layout

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecode(t *testing.T, s string) any {
	t.Helper()
	v, err := Decode([]byte(s))
	require.NoError(t, err)
	return v
}

func TestFindTablesNestedThreeLevels(t *testing.T) {
	tree := mustDecode(t, `{
	  "documentLayout": {"blocks": [
	    {"blockId": "1", "pageSpan": {"pageStart": 2, "pageEnd": 3}, "textBlock": {"text": "Intro", "blocks": [
	      {"blockId": "2", "textBlock": {"blocks": [
	        {"blockId": "3", "tableBlock": {"bodyRows": []}}
	      ]}}
	    ]}},
	    {"blockId": "4", "pageSpan": {"pageStart": 5}, "tableBlock": {"bodyRows": []}}
	  ]}
	}`)

	nodes := FindTables(LayoutRoot(tree))
	require.Len(t, nodes, 2)
	assert.Equal(t, "3", nodes[0].BlockID)
	assert.Equal(t, 2, nodes[0].Page, "page span inherited from the enclosing block")
	assert.Equal(t, "4", nodes[1].BlockID)
	assert.Equal(t, 5, nodes[1].Page)
}

func TestFindTablesPageSpanDoesNotPropagateUpOrAcross(t *testing.T) {
	tree := mustDecode(t, `[
	  {"blockId": "a", "textBlock": {"blocks": [{"blockId": "inner", "pageSpan": {"pageStart": 9}, "textBlock": {}}]}},
	  {"blockId": "b", "tableBlock": {}}
	]`)
	nodes := FindTables(tree)
	require.Len(t, nodes, 1)
	assert.Equal(t, "b", nodes[0].BlockID)
	assert.Equal(t, 1, nodes[0].Page)
	assert.Nil(t, nodes[0].PageSpan)
}

func TestFindTablesDefaultsAndNestedTables(t *testing.T) {
	tree := mustDecode(t, `{"blocks": [
	  {"pageSpan": {"pageStart": "7"}, "tableBlock": {"bodyRows": [{"cells": [{"blocks": [
	    {"blockId": "nested", "tableBlock": {}}
	  ]}]}]}}
	]}`)
	nodes := FindTables(LayoutRoot(tree))
	require.Len(t, nodes, 2)
	assert.Equal(t, "unknown", nodes[0].BlockID)
	assert.Equal(t, 7, nodes[0].Page)
	assert.Equal(t, "nested", nodes[1].BlockID)
	assert.Equal(t, 7, nodes[1].Page)
}

func TestLayoutRootUnderDocument(t *testing.T) {
	tree := mustDecode(t, `{"document": {"documentLayout": {"blocks": [{"blockId": "x", "tableBlock": {}}]}, "text": "ignored"}}`)
	root := LayoutRoot(tree)
	list, ok := root.([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)
}

func TestFindTablesPlainMaps(t *testing.T) {
	tree := map[string]any{
		"z": map[string]any{"blockId": "second", "tableBlock": map[string]any{}},
		"a": map[string]any{"blockId": "first", "tableBlock": map[string]any{}},
	}
	nodes := FindTables(tree)
	require.Len(t, nodes, 2)
	assert.Equal(t, "first", nodes[0].BlockID)
}

func TestFilteredKeepsOrder(t *testing.T) {
	tree := mustDecode(t, `{"documentLayout": {"blocks": [
	  {"blockId": "t1", "pageSpan": {"pageStart": 1}, "tableBlock": {"bodyRows": []}},
	  {"blockId": "x", "textBlock": {"text": "skip me"}}
	]}}`)
	b, err := json.Marshal(Filtered(FindTables(LayoutRoot(tree))))
	require.NoError(t, err)
	assert.JSONEq(t, `{"documentLayout":{"blocks":[{"blockId":"t1","pageSpan":{"pageStart":1},"tableBlock":{"bodyRows":[]}}]}}`, string(b))
	assert.NotContains(t, string(b), "skip me")
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode([]byte(`{} {}`))
	assert.Error(t, err)
}
