package parser

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	columnGap    = regexp.MustCompile(`\t+| {2,}`)
	listItem     = regexp.MustCompile(`^\s*([-*+]|\d+[.)])\s+`)
	markdownRule = regexp.MustCompile(`^\|?\s*:?-{3,}:?\s*(\|\s*:?-{3,}:?\s*)*\|?$`)
)

func decodeText(data []byte) string {
	text := string(data)
	text = strings.TrimPrefix(text, "\ufeff")
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "\ufffd")
	}
	return strings.ReplaceAll(text, "\r\n", "\n")
}

func parsePlainText(data []byte, hiRes bool) *Document {
	doc := &Document{PageCount: 1}
	text := decodeText(data)
	if hiRes {
		doc.Blocks = layoutBlocks(text, 1, &tableCounter{})
		return doc
	}
	for _, para := range splitParagraphs(text) {
		doc.Blocks = append(doc.Blocks, Block{Type: BlockParagraph, Text: para, Page: 1})
	}
	return doc
}

func parseMarkdown(data []byte) *Document {
	doc := &Document{PageCount: 1}
	tables := &tableCounter{}
	for _, para := range splitParagraphs(decodeText(data)) {
		lines := strings.Split(para, "\n")
		switch {
		case strings.HasPrefix(para, "#"):
			doc.Blocks = append(doc.Blocks, Block{Type: BlockTitle, Text: para, Page: 1})
			if doc.Title == "" {
				doc.Title = strings.TrimSpace(strings.TrimLeft(lines[0], "#"))
			}
		case isPipeTable(lines):
			doc.Blocks = append(doc.Blocks, Block{Type: BlockTable, Text: para, Page: 1, TableID: tables.next()})
		case allMatch(lines, listItem):
			doc.Blocks = append(doc.Blocks, Block{Type: BlockList, Text: para, Page: 1})
		default:
			doc.Blocks = append(doc.Blocks, Block{Type: BlockParagraph, Text: para, Page: 1})
		}
	}
	return doc
}

func isPipeTable(lines []string) bool {
	if len(lines) < 2 {
		return false
	}
	for _, l := range lines {
		if !strings.HasPrefix(strings.TrimSpace(l), "|") {
			return false
		}
	}
	return markdownRule.MatchString(strings.TrimSpace(lines[1]))
}

func allMatch(lines []string, re *regexp.Regexp) bool {
	for _, l := range lines {
		if !re.MatchString(l) {
			return false
		}
	}
	return len(lines) > 0
}

type tableCounter struct{ n int }

func (c *tableCounter) next() int {
	c.n++
	return c.n
}

// layoutBlocks splits text into paragraphs and tables. A table is a run of at
// least two lines with the same number (>= 2) of whitespace separated columns.
func layoutBlocks(text string, page int, tables *tableCounter) []Block {
	var blocks []Block
	var prose, table []string
	tableCols := 0

	flushProse := func() {
		for _, para := range splitParagraphs(strings.Join(prose, "\n")) {
			blocks = append(blocks, Block{Type: BlockParagraph, Text: para, Page: page})
		}
		prose = prose[:0]
	}
	flushTable := func() {
		if len(table) >= 2 {
			flushProse()
			rows := make([]string, len(table))
			for i, l := range table {
				rows[i] = joinColumns(l)
			}
			blocks = append(blocks, Block{Type: BlockTable, Text: strings.Join(rows, "\n"), Page: page, TableID: tables.next()})
		} else {
			prose = append(prose, table...)
		}
		table = table[:0]
		tableCols = 0
	}

	for _, line := range strings.Split(text, "\n") {
		cols := columnCount(line)
		if cols >= 2 && (len(table) == 0 || cols == tableCols) {
			table = append(table, line)
			tableCols = cols
			continue
		}
		flushTable()
		if cols >= 2 {
			table = append(table, line)
			tableCols = cols
			continue
		}
		prose = append(prose, line)
	}
	flushTable()
	flushProse()
	return blocks
}

func columnCount(line string) int {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0
	}
	return len(columnGap.Split(line, -1))
}

func joinColumns(line string) string {
	return strings.Join(columnGap.Split(strings.TrimSpace(line), -1), " | ")
}
