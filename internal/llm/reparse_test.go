package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/extract"
	"github.com/joseph-ayodele/contract-tables/internal/layout"
)

type treeSource struct {
	raw string
	err error
}

func (s treeSource) Name() string { return "docai" }

func (s treeSource) Extract(context.Context, extract.Document) (extract.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	root, err := layout.Decode([]byte(s.raw))
	if err != nil {
		return nil, err
	}
	return &extract.TreeResult{Root: root, Raw: []byte(s.raw)}, nil
}

type scripted struct {
	reply string
	got   Request
}

func (s *scripted) Complete(_ context.Context, req Request) (string, error) {
	s.got = req
	return s.reply, nil
}

const sourceTree = `{"documentLayout": {"blocks": [
  {"blockId": "1", "textBlock": {"text": "Contrato-Programa"}},
  {"blockId": "2", "pageSpan": {"pageStart": 4}, "tableBlock": {"bodyRows": []}}
]}}`

func TestReparseSendsOnlyTableBlocks(t *testing.T) {
	model := &scripted{reply: "Here you go:\n{\"extracted_tables\": [{\"table_index\": 0, \"page\": 4, \"table_data\": [{\"Linha\": \"A\", \"2023\": \"10.5\"}]}]}"}
	r := NewReparser(treeSource{raw: sourceTree}, model, nil)

	res, err := r.Extract(context.Background(), extract.Document{ItemID: "x"})
	require.NoError(t, err)
	tables, ok := res.(*extract.TablesResult)
	require.True(t, ok)
	require.Len(t, tables.Tables, 1)
	assert.Equal(t, "llm_0", tables.Tables[0].TableID)
	assert.Equal(t, 4, tables.Tables[0].Page)
	assert.Equal(t, map[string]any{"Linha": "A", "2023": 10.5}, tables.Tables[0].Rows[0].Map())

	assert.Contains(t, model.got.User, `"blockId":"2"`)
	assert.False(t, strings.Contains(model.got.User, "Contrato-Programa"))
}

func TestReparseInvalidReplyIsRetryable(t *testing.T) {
	r := NewReparser(treeSource{raw: sourceTree}, &scripted{reply: `{"tables": []}`}, nil)
	_, err := r.Extract(context.Background(), extract.Document{})
	require.Error(t, err)
	assert.True(t, common.IsRetryable(err))
}

func TestReparseWithoutTablesSkipsModel(t *testing.T) {
	model := &scripted{}
	r := NewReparser(treeSource{raw: `{"documentLayout": {"blocks": []}}`}, model, nil)
	res, err := r.Extract(context.Background(), extract.Document{})
	require.NoError(t, err)
	assert.Empty(t, res.(*extract.TablesResult).Tables)
	assert.Empty(t, model.got.User)
}

func TestReparsePropagatesSourceErrors(t *testing.T) {
	denied := common.NewTerminalError("docai: status 403", 403, nil)
	r := NewReparser(treeSource{err: denied}, &scripted{}, nil)
	_, err := r.Extract(context.Background(), extract.Document{})
	assert.True(t, common.IsTerminal(err))
}

func TestReparseRejectsTemplateEcho(t *testing.T) {
	for name, reply := range map[string]string{
		"placeholder columns": `{"extracted_tables": [{"table_index": 0, "page": 1, "table_data": [{"column1": "value1"}]}]}`,
		"placeholder page":    `{"extracted_tables": [{"table_index": 0, "page": 1, "table_data": [{"Linha": "<page_number>"}]}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			r := NewReparser(treeSource{raw: sourceTree}, &scripted{reply: reply}, nil)
			_, err := r.Extract(context.Background(), extract.Document{ItemID: "x"})
			require.Error(t, err)
			assert.True(t, common.IsRetryable(err))
			assert.Contains(t, err.Error(), "template")
		})
	}
}

type countingTree struct {
	treeSource
	calls int
}

func (s *countingTree) Extract(ctx context.Context, doc extract.Document) (extract.Result, error) {
	s.calls++
	return s.treeSource.Extract(ctx, doc)
}

type sequence struct {
	replies []string
	n       int
}

func (s *sequence) Complete(context.Context, Request) (string, error) {
	reply := s.replies[s.n]
	s.n++
	return reply, nil
}

func TestReparseRetryReusesLayoutTree(t *testing.T) {
	src := &countingTree{treeSource: treeSource{raw: sourceTree}}
	model := &sequence{replies: []string{
		`not json at all`,
		`{"extracted_tables": [{"table_index": 0, "page": 4, "table_data": [{"Linha": "A"}]}]}`,
	}}
	r := NewReparser(extract.NewMemo(src, 4), model, nil)
	doc := extract.Document{ItemID: "x", Bytes: []byte("%PDF")}

	_, err := r.Extract(context.Background(), doc)
	require.Error(t, err)
	res, err := r.Extract(context.Background(), doc)
	require.NoError(t, err)
	assert.Len(t, res.(*extract.TablesResult).Tables, 1)
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, 2, model.n)
}
