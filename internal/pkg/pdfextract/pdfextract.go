package pdfextract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Page is the plain text of one PDF page. Err is set when only that page failed.
type Page struct {
	Number int
	Text   string
	Err    error
}

// Result holds per-page text plus the document info title, if any.
type Result struct {
	Title string
	Pages []Page
}

// ExtractPages extracts text page by page. The pdf library panics on some
// malformed inputs, so panics are turned into errors.
func ExtractPages(data []byte) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}

	res = &Result{Title: infoTitle(reader)}
	for i := 1; i <= reader.NumPage(); i++ {
		res.Pages = append(res.Pages, extractPage(reader, i))
	}
	return res, nil
}

func extractPage(reader *pdf.Reader, n int) (page Page) {
	page.Number = n
	defer func() {
		if r := recover(); r != nil {
			page.Err = fmt.Errorf("page %d: %v", n, r)
		}
	}()
	p := reader.Page(n)
	if p.V.IsNull() {
		return page
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		page.Err = fmt.Errorf("page %d: %w", n, err)
		return page
	}
	page.Text = text
	return page
}

func infoTitle(reader *pdf.Reader) (title string) {
	defer func() {
		if recover() != nil {
			title = ""
		}
	}()
	return strings.TrimSpace(reader.Trailer().Key("Info").Key("Title").Text())
}
