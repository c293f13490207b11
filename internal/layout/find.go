package layout

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Keys used by document-layout responses.
const (
	KeyTableBlock = "tableBlock"
	KeyPageSpan   = "pageSpan"
	KeyBlockID    = "blockId"
	KeyPageStart  = "pageStart"

	unknownBlockID = "unknown"
)

// TableNode is one table-bearing subtree found in a layout tree.
type TableNode struct {
	BlockID  string
	Page     int
	PageSpan any // nil when neither the node nor an ancestor had one
	Table    any // the raw tableBlock value
}

// LayoutRoot returns documentLayout.blocks or document.documentLayout.blocks
// when present, otherwise the tree itself.
func LayoutRoot(tree any) any {
	if blocks, ok := layoutBlocks(tree); ok {
		return blocks
	}
	if doc, ok := get(tree, "document"); ok {
		if blocks, ok := layoutBlocks(doc); ok {
			return blocks
		}
	}
	return tree
}

func layoutBlocks(node any) (any, bool) {
	dl, ok := get(node, "documentLayout")
	if !ok {
		return nil, false
	}
	return get(dl, "blocks")
}

// FindTables walks tree depth first and returns every object carrying a
// tableBlock key, in document order. Page spans propagate from ancestors to
// descendants. The walk descends into table blocks too, so tables nested in
// cells are reported after their container.
func FindTables(tree any) []TableNode {
	var out []TableNode
	walk(tree, nil, &out)
	return out
}

func walk(node, span any, out *[]TableNode) {
	if isObject(node) {
		if own, ok := get(node, KeyPageSpan); ok && own != nil {
			span = own
		}
		if table, ok := get(node, KeyTableBlock); ok {
			*out = append(*out, TableNode{
				BlockID:  blockID(node),
				Page:     pageStart(span),
				PageSpan: span,
				Table:    table,
			})
		}
	}
	for _, child := range children(node) {
		walk(child, span, out)
	}
}

func blockID(node any) string {
	v, ok := get(node, KeyBlockID)
	if !ok || v == nil {
		return unknownBlockID
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return unknownBlockID
		}
		return id
	case json.Number:
		return id.String()
	}
	return unknownBlockID
}

// pageStart reads pageSpan.pageStart as a 1-based page, defaulting to 1.
func pageStart(span any) int {
	v, ok := get(span, KeyPageStart)
	if !ok {
		return 1
	}
	var n int
	switch p := v.(type) {
	case json.Number:
		i, err := strconv.Atoi(p.String())
		if err != nil {
			return 1
		}
		n = i
	case float64:
		n = int(p)
	case int:
		n = p
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return 1
		}
		n = i
	default:
		return 1
	}
	if n < 1 {
		return 1
	}
	return n
}

// Filtered rebuilds a minimal layout document holding only the table blocks,
// the shape sent to LLM re-parsing.
func Filtered(nodes []TableNode) *Object {
	blocks := make([]any, 0, len(nodes))
	for _, n := range nodes {
		if n.PageSpan == nil {
			blocks = append(blocks, NewObject(KeyBlockID, n.BlockID, KeyTableBlock, n.Table))
			continue
		}
		blocks = append(blocks, NewObject(KeyBlockID, n.BlockID, KeyPageSpan, n.PageSpan, KeyTableBlock, n.Table))
	}
	return NewObject("documentLayout", NewObject("blocks", blocks))
}
