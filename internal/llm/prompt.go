package llm

import "strings"

// SystemPrompt tells the model how to rebuild tables from layout blocks.
func SystemPrompt() string {
	parts := []string{
		"You convert document layout table blocks into clean JSON tables.",
		"The input is a JSON object with documentLayout.blocks; every block has blockId, pageSpan and tableBlock.",
		"For each block, in input order, emit one object in extracted_tables with table_index (0-based position of the block), page (pageSpan.pageStart) and table_data.",
		"The header row is the first row, header rows or body rows, that has non-empty text. Its cell texts are the keys of every following row.",
		"Never invent column names. If a header cell is empty, use col_<index>.",
		"Each later row becomes one object in table_data mapping header names to cell values.",
		"When one cell holds several newline-separated items and a sibling cell holds the same number of values, split them into that many rows; otherwise join the lines with a space.",
		"Numbers: drop currency symbols and thousands separators and use a dot for decimals, e.g. \"1.234,56 €\" becomes \"1234.56\". Keep a trailing % on percentages.",
		"Empty cells, \"-\" and N/A become null.",
		"Reply with a single JSON object of the form {\"extracted_tables\": [...]} and nothing else.",
	}
	return strings.Join(parts, " ")
}

// UserPrompt wraps the filtered layout JSON.
func UserPrompt(filtered []byte) string {
	var b strings.Builder
	b.WriteString("Layout table blocks:\n")
	b.Write(filtered)
	return b.String()
}
