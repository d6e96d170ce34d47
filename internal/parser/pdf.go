package parser

import (
	"fmt"

	"gopherrag/internal/pkg/pdfextract"
)

func parsePDF(data []byte, filename string, hiRes bool) (*Document, error) {
	res, err := pdfextract.ExtractPages(data)
	if err != nil {
		return nil, failure(filename, "read pdf: %v", err)
	}

	doc := &Document{Title: res.Title, PageCount: len(res.Pages)}
	tables := &tableCounter{}
	failed := 0
	for _, page := range res.Pages {
		if page.Err != nil {
			failed++
			continue
		}
		text := decodeText([]byte(page.Text))
		if hiRes {
			doc.Blocks = append(doc.Blocks, layoutBlocks(text, page.Number, tables)...)
			continue
		}
		doc.Blocks = append(doc.Blocks, Block{Type: BlockParagraph, Text: text, Page: page.Number})
	}
	if failed > 0 {
		if failed == len(res.Pages) {
			return nil, failure(filename, "no readable pages")
		}
		doc.degrade(fmt.Sprintf("%d of %d pages unreadable", failed, len(res.Pages)))
	}
	return doc, nil
}
