package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
)

var (
	slidePath = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	sheetPath = regexp.MustCompile(`^xl/worksheets/sheet(\d+)\.xml$`)
)

func openZip(data []byte, filename string) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, failure(filename, "open office archive: %v", err)
	}
	return zr, nil
}

func zipEntry(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readZipEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// coreTitle reads dc:title from docProps/core.xml, if present.
func coreTitle(zr *zip.Reader) string {
	f := zipEntry(zr, "docProps/core.xml")
	if f == nil {
		return ""
	}
	raw, err := readZipEntry(f)
	if err != nil {
		return ""
	}
	var props struct {
		Title string `xml:"title"`
	}
	if err := xml.Unmarshal(raw, &props); err != nil {
		return ""
	}
	return strings.TrimSpace(props.Title)
}

// ooxmlWalker collects paragraphs and tables from WordprocessingML and
// DrawingML bodies. Both use p/t for text and tbl/tr/tc for tables.
type ooxmlWalker struct {
	page   int
	tables *tableCounter

	blocks    []Block
	para      strings.Builder
	heading   bool
	tblDepth  int
	rows      []string
	cells     []string
	cell      strings.Builder
	inText    bool
	paraLines []string
}

func (w *ooxmlWalker) walk(r io.Reader) error {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				w.tblDepth++
				if w.tblDepth == 1 {
					w.rows = w.rows[:0]
				}
			case "tr":
				w.cells = w.cells[:0]
			case "tc":
				w.cell.Reset()
			case "t":
				w.inText = true
			case "tab":
				w.write("\t")
			case "br":
				w.write("\n")
			case "pStyle":
				for _, a := range t.Attr {
					if a.Name.Local == "val" {
						v := strings.ToLower(a.Value)
						w.heading = strings.HasPrefix(v, "heading") || v == "title"
					}
				}
			case "ph":
				for _, a := range t.Attr {
					if a.Name.Local == "type" && (a.Value == "title" || a.Value == "ctrTitle") {
						w.heading = true
					}
				}
			}
		case xml.CharData:
			if w.inText {
				w.write(string(t))
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				w.inText = false
			case "p":
				w.endParagraph()
			case "tc":
				w.cells = append(w.cells, cleanInline(w.cell.String()))
			case "tr":
				if row := strings.Join(w.cells, " | "); strings.Trim(row, " |") != "" {
					w.rows = append(w.rows, row)
				}
			case "tbl":
				w.tblDepth--
				if w.tblDepth == 0 && len(w.rows) > 0 {
					w.flushParagraphs()
					w.blocks = append(w.blocks, Block{Type: BlockTable, Text: strings.Join(w.rows, "\n"), Page: w.page, TableID: w.tables.next()})
				}
			case "sp", "txBody":
				w.flushParagraphs()
				w.heading = false
			}
		}
	}
}

func (w *ooxmlWalker) write(s string) {
	if w.tblDepth > 0 {
		w.cell.WriteString(s)
		return
	}
	w.para.WriteString(s)
}

func (w *ooxmlWalker) endParagraph() {
	if w.tblDepth > 0 {
		w.cell.WriteString(" ")
		w.heading = false
		return
	}
	text := strings.TrimSpace(w.para.String())
	w.para.Reset()
	if text == "" {
		return
	}
	if w.heading {
		w.flushParagraphs()
		w.blocks = append(w.blocks, Block{Type: BlockTitle, Text: text, Page: w.page})
		w.heading = false
		return
	}
	w.paraLines = append(w.paraLines, text)
	if w.page == 0 {
		// word documents: one block per paragraph
		w.flushParagraphs()
	}
}

func (w *ooxmlWalker) flushParagraphs() {
	if len(w.paraLines) == 0 {
		return
	}
	w.blocks = append(w.blocks, Block{Type: BlockParagraph, Text: strings.Join(w.paraLines, "\n"), Page: w.page})
	w.paraLines = w.paraLines[:0]
}

func parseDOCX(data []byte, filename string) (*Document, error) {
	zr, err := openZip(data, filename)
	if err != nil {
		return nil, err
	}
	f := zipEntry(zr, "word/document.xml")
	if f == nil {
		return nil, failure(filename, "word/document.xml not found")
	}
	rc, err := f.Open()
	if err != nil {
		return nil, failure(filename, "open word/document.xml: %v", err)
	}
	defer rc.Close()

	w := &ooxmlWalker{tables: &tableCounter{}}
	if err := w.walk(rc); err != nil {
		return nil, failure(filename, "decode word/document.xml: %v", err)
	}
	w.flushParagraphs()
	return &Document{Blocks: w.blocks, Title: coreTitle(zr)}, nil
}

func parsePPTX(data []byte, filename string) (*Document, error) {
	zr, err := openZip(data, filename)
	if err != nil {
		return nil, err
	}
	type slide struct {
		n int
		f *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		if m := slidePath.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{n: n, f: f})
		}
	}
	if len(slides) == 0 {
		return nil, failure(filename, "no slides found")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	doc := &Document{Title: coreTitle(zr), PageCount: len(slides)}
	tables := &tableCounter{}
	for i, s := range slides {
		raw, err := readZipEntry(s.f)
		if err != nil {
			doc.degrade(fmt.Sprintf("slide %d unreadable", s.n))
			continue
		}
		w := &ooxmlWalker{page: i + 1, tables: tables}
		if err := w.walk(bytes.NewReader(raw)); err != nil {
			doc.degrade(fmt.Sprintf("slide %d: %v", s.n, err))
		}
		w.flushParagraphs()
		doc.Blocks = append(doc.Blocks, w.blocks...)
	}
	return doc, nil
}

type xlsxSharedStrings struct {
	Items []struct {
		T    string `xml:"t"`
		Runs []struct {
			T string `xml:"t"`
		} `xml:"r"`
	} `xml:"si"`
}

type xlsxWorkbook struct {
	Sheets []struct {
		Name string `xml:"name,attr"`
	} `xml:"sheets>sheet"`
}

type xlsxSheet struct {
	Rows []struct {
		Cells []struct {
			Ref    string `xml:"r,attr"`
			Type   string `xml:"t,attr"`
			Value  string `xml:"v"`
			Inline struct {
				T string `xml:"t"`
			} `xml:"is"`
		} `xml:"c"`
	} `xml:"sheetData>row"`
}

func parseXLSX(data []byte, filename string) (*Document, error) {
	zr, err := openZip(data, filename)
	if err != nil {
		return nil, err
	}

	var shared []string
	if f := zipEntry(zr, "xl/sharedStrings.xml"); f != nil {
		raw, err := readZipEntry(f)
		if err != nil {
			return nil, failure(filename, "read shared strings: %v", err)
		}
		var sst xlsxSharedStrings
		if err := xml.Unmarshal(raw, &sst); err != nil {
			return nil, failure(filename, "decode shared strings: %v", err)
		}
		for _, si := range sst.Items {
			if si.T != "" || len(si.Runs) == 0 {
				shared = append(shared, si.T)
				continue
			}
			var b strings.Builder
			for _, r := range si.Runs {
				b.WriteString(r.T)
			}
			shared = append(shared, b.String())
		}
	}

	var names []string
	if f := zipEntry(zr, "xl/workbook.xml"); f != nil {
		if raw, err := readZipEntry(f); err == nil {
			var wb xlsxWorkbook
			if xml.Unmarshal(raw, &wb) == nil {
				for _, s := range wb.Sheets {
					names = append(names, s.Name)
				}
			}
		}
	}

	type sheetFile struct {
		n int
		f *zip.File
	}
	var sheets []sheetFile
	for _, f := range zr.File {
		if m := sheetPath.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			sheets = append(sheets, sheetFile{n: n, f: f})
		}
	}
	if len(sheets) == 0 {
		return nil, failure(filename, "no worksheets found")
	}
	sort.Slice(sheets, func(i, j int) bool { return sheets[i].n < sheets[j].n })

	doc := &Document{Title: coreTitle(zr), PageCount: len(sheets)}
	tables := &tableCounter{}
	for i, s := range sheets {
		raw, err := readZipEntry(s.f)
		if err != nil {
			doc.degrade(fmt.Sprintf("sheet %d unreadable", s.n))
			continue
		}
		var ws xlsxSheet
		if err := xml.Unmarshal(raw, &ws); err != nil {
			doc.degrade(fmt.Sprintf("sheet %d: %v", s.n, err))
			continue
		}

		var rows []string
		for _, row := range ws.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, c := range row.Cells {
				v := c.Value
				switch c.Type {
				case "s":
					if idx, err := strconv.Atoi(v); err == nil && idx >= 0 && idx < len(shared) {
						v = shared[idx]
					}
				case "inlineStr":
					v = c.Inline.T
				}
				cells = append(cells, strings.TrimSpace(v))
			}
			if row := strings.Join(cells, " | "); strings.Trim(row, " |") != "" {
				rows = append(rows, row)
			}
		}
		if len(rows) == 0 {
			continue
		}
		name := fmt.Sprintf("Sheet%d", s.n)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		doc.Blocks = append(doc.Blocks,
			Block{Type: BlockTitle, Text: "Sheet: " + name, Page: i + 1},
			Block{Type: BlockTable, Text: strings.Join(rows, "\n"), Page: i + 1, TableID: tables.next()},
		)
	}
	return doc, nil
}

// parseLegacyBinary salvages readable text from pre-2007 Office binaries.
// The result is always flagged as degraded.
func parseLegacyBinary(data []byte, filename string) (*Document, error) {
	runs := append(asciiRuns(data, 6), utf16Runs(data, 6)...)
	if len(runs) == 0 {
		return nil, failure(filename, "no readable text in legacy binary document")
	}
	seen := make(map[string]struct{}, len(runs))
	doc := &Document{PageCount: 1}
	var lines []string
	for _, r := range runs {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		lines = append(lines, r)
	}
	for _, para := range splitParagraphs(strings.Join(lines, "\n\n")) {
		doc.Blocks = append(doc.Blocks, Block{Type: BlockParagraph, Text: para, Page: 1})
	}
	doc.degrade("legacy binary format, text salvaged heuristically")
	return doc, nil
}

func asciiRuns(data []byte, minLen int) []string {
	var out []string
	start := -1
	letters := 0
	for i := 0; i <= len(data); i++ {
		if i < len(data) && (data[i] >= 0x20 && data[i] < 0x7f || data[i] == '\t') {
			if start < 0 {
				start, letters = i, 0
			}
			if unicode.IsLetter(rune(data[i])) {
				letters++
			}
			continue
		}
		if start >= 0 && i-start >= minLen && letters*2 >= i-start {
			out = append(out, strings.TrimSpace(string(data[start:i])))
		}
		start = -1
	}
	return out
}

func utf16Runs(data []byte, minLen int) []string {
	var out []string
	var cur []uint16
	flush := func() {
		if len(cur) >= minLen {
			out = append(out, strings.TrimSpace(string(utf16.Decode(cur))))
		}
		cur = cur[:0]
	}
	for i := 0; i+1 < len(data); i += 2 {
		lo, hi := data[i], data[i+1]
		if hi == 0 && (lo >= 0x20 && lo < 0x7f || lo >= 0xa0 || lo == '\t') {
			cur = append(cur, uint16(lo))
			continue
		}
		flush()
	}
	flush()
	return out
}
