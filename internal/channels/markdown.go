package channels

import "strings"

// MarkdownTableToList rewrites GitHub-flavored markdown pipe tables into a
// plain bullet list, since Telegram's MarkdownV2 renderer has no table
// support and worker output routinely includes one. Content inside fenced
// code blocks (```...```) is passed through untouched (§8 P10): a table-
// shaped line that happens to appear inside a code fence is not a table.
func MarkdownTableToList(text string) string {
	lines := strings.Split(text, "\n")
	var out []string
	inFence := false
	var header []string
	var pendingTable bool

	flushPending := func() {
		header = nil
		pendingTable = false
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			out = append(out, line)
			flushPending()
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}

		if isTableRow(trimmed) {
			cells := splitTableRow(trimmed)
			if header == nil {
				header = cells
				pendingTable = true
				continue
			}
			if pendingTable && isTableSeparatorRow(trimmed) {
				// The "---|---|---" row under the header; it carries no data.
				continue
			}
			out = append(out, renderTableRowAsList(header, cells))
			continue
		}

		// Not a table row: if we were buffering a lone header with no
		// separator/body yet, it wasn't really a table — emit it as-is.
		if header != nil {
			out = append(out, strings.Join(header, " | "))
			flushPending()
		}
		out = append(out, line)
	}
	if header != nil {
		out = append(out, strings.Join(header, " | "))
	}
	return strings.Join(out, "\n")
}

func isTableRow(line string) bool {
	return strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|") && strings.Count(line, "|") >= 2
}

func isTableSeparatorRow(line string) bool {
	inner := strings.Trim(line, "|")
	for _, cell := range strings.Split(inner, "|") {
		cell = strings.TrimSpace(cell)
		cell = strings.Trim(cell, ":")
		if cell == "" || strings.Trim(cell, "-") != "" {
			return false
		}
	}
	return true
}

func splitTableRow(line string) []string {
	inner := strings.Trim(line, "|")
	parts := strings.Split(inner, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

// renderTableRowAsList renders one data row as "- header: value, header: value".
func renderTableRowAsList(header, cells []string) string {
	var b strings.Builder
	b.WriteString("- ")
	n := len(cells)
	if len(header) < n {
		n = len(header)
	}
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, header[i]+": "+cells[i])
	}
	b.WriteString(strings.Join(parts, ", "))
	return b.String()
}
