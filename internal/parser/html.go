package parser

import (
	"html"
	"regexp"
	"strings"
)

var (
	htmlTitle     = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	htmlDrop      = regexp.MustCompile(`(?is)<(script|style|noscript|head)[^>]*>.*?</(script|style|noscript|head)>`)
	htmlComment   = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlTable     = regexp.MustCompile(`(?is)<table[^>]*>.*?</table>`)
	htmlRow       = regexp.MustCompile(`(?is)<tr[^>]*>(.*?)</tr>`)
	htmlCell      = regexp.MustCompile(`(?is)<t[dh][^>]*>(.*?)</t[dh]>`)
	htmlHeading   = regexp.MustCompile(`(?is)<h[1-6][^>]*>(.*?)</h[1-6]>`)
	htmlBreak     = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|li|ul|ol|section|article|blockquote|pre|h[1-6])>`)
	htmlTag       = regexp.MustCompile(`(?s)<[^>]+>`)
	inlineSpaces  = regexp.MustCompile(`[ \t\f\v]+`)
	headingMarker = "\x00h\x00"
)

func parseHTML(data []byte) *Document {
	doc := &Document{PageCount: 1}
	raw := decodeText(data)

	if m := htmlTitle.FindStringSubmatch(raw); m != nil {
		doc.Title = cleanInline(html.UnescapeString(htmlTag.ReplaceAllString(m[1], "")))
	}

	body := htmlComment.ReplaceAllString(raw, "")
	body = htmlDrop.ReplaceAllString(body, "")

	tables := &tableCounter{}
	last := 0
	for _, loc := range htmlTable.FindAllStringIndex(body, -1) {
		doc.Blocks = append(doc.Blocks, htmlTextBlocks(body[last:loc[0]])...)
		if rows := htmlTableRows(body[loc[0]:loc[1]]); len(rows) > 0 {
			doc.Blocks = append(doc.Blocks, Block{Type: BlockTable, Text: strings.Join(rows, "\n"), Page: 1, TableID: tables.next()})
		}
		last = loc[1]
	}
	doc.Blocks = append(doc.Blocks, htmlTextBlocks(body[last:])...)
	return doc
}

func htmlTableRows(table string) []string {
	var rows []string
	for _, row := range htmlRow.FindAllStringSubmatch(table, -1) {
		var cells []string
		for _, cell := range htmlCell.FindAllStringSubmatch(row[1], -1) {
			cells = append(cells, cleanInline(html.UnescapeString(htmlTag.ReplaceAllString(cell[1], " "))))
		}
		if len(cells) > 0 {
			rows = append(rows, strings.Join(cells, " | "))
		}
	}
	return rows
}

func htmlTextBlocks(fragment string) []Block {
	fragment = htmlHeading.ReplaceAllString(fragment, "\n\n"+headingMarker+"$1\n\n")
	fragment = htmlBreak.ReplaceAllString(fragment, "\n\n")
	fragment = htmlTag.ReplaceAllString(fragment, " ")
	fragment = html.UnescapeString(fragment)

	var blocks []Block
	for _, para := range splitParagraphs(fragment) {
		lines := strings.Split(para, "\n")
		for i := range lines {
			lines[i] = cleanInline(lines[i])
		}
		text := strings.TrimSpace(strings.Join(lines, "\n"))
		if strings.HasPrefix(text, headingMarker) {
			blocks = append(blocks, Block{Type: BlockTitle, Text: strings.TrimSpace(strings.TrimPrefix(text, headingMarker)), Page: 1})
			continue
		}
		blocks = append(blocks, Block{Type: BlockParagraph, Text: text, Page: 1})
	}
	return blocks
}

func cleanInline(s string) string {
	return strings.TrimSpace(inlineSpaces.ReplaceAllString(s, " "))
}
