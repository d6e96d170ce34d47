package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOCR struct {
	text  string
	err   error
	calls int
}

func (f *fakeOCR) Recognize(_ context.Context, _ []byte) (string, error) {
	f.calls++
	return f.text, f.err
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func blockTypes(blocks []Block) []BlockType {
	out := make([]BlockType, len(blocks))
	for i, b := range blocks {
		out[i] = b.Type
	}
	return out
}

func TestSupported(t *testing.T) {
	for _, name := range []string{"a.pdf", "b.TXT", "c.md", "d.htm", "e.docx", "f.xls", "g.pptx", "h.jsonl", "i.csv", "j.JPEG"} {
		assert.True(t, Supported(name), name)
	}
	for _, name := range []string{"a.exe", "b", "c.tar.gz", "d.gif"} {
		assert.False(t, Supported(name), name)
	}
}

func TestParse_UnsupportedFormat(t *testing.T) {
	_, err := New(nil).Parse(context.Background(), []byte("x"), "evil.exe", StrategyAuto)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "evil.exe", pe.Filename)
}

func TestParse_EmptyFile(t *testing.T) {
	_, err := New(nil).Parse(context.Background(), nil, "a.txt", StrategyAuto)
	assert.ErrorIs(t, err, ErrParseFailure)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyAuto, s)

	s, err = ParseStrategy("HI_RES")
	require.NoError(t, err)
	assert.Equal(t, StrategyHiRes, s)

	_, err = ParseStrategy("turbo")
	assert.Error(t, err)
}

func TestParse_Markdown(t *testing.T) {
	src := "# Guide\n\nIntro paragraph.\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\n- one\n- two\n"
	doc, err := New(nil).Parse(context.Background(), []byte(src), "guide.md", StrategyAuto)
	require.NoError(t, err)

	assert.Equal(t, "Guide", doc.Title)
	assert.Equal(t, StrategyFast, doc.Strategy)
	assert.Equal(t, []BlockType{BlockTitle, BlockParagraph, BlockTable, BlockList}, blockTypes(doc.Blocks))
	assert.Equal(t, 1, doc.Blocks[2].TableID)
	for i, b := range doc.Blocks {
		assert.Equal(t, i, b.Ordinal)
	}
}

func TestParse_PlainTextHiResDetectsTables(t *testing.T) {
	src := "Report\n\nName  Age\nAlice  30\nBob  41\n\nEnd of report."

	fast, err := New(nil).Parse(context.Background(), []byte(src), "r.txt", StrategyFast)
	require.NoError(t, err)
	assert.Equal(t, []BlockType{BlockParagraph, BlockParagraph, BlockParagraph}, blockTypes(fast.Blocks))

	hi, err := New(nil).Parse(context.Background(), []byte(src), "r.txt", StrategyHiRes)
	require.NoError(t, err)
	assert.Equal(t, StrategyHiRes, hi.Strategy)
	require.Equal(t, []BlockType{BlockParagraph, BlockTable, BlockParagraph}, blockTypes(hi.Blocks))
	assert.Equal(t, "Name | Age\nAlice | 30\nBob | 41", hi.Blocks[1].Text)
}

func TestParse_HTML(t *testing.T) {
	src := `<html><head><title>My Page</title><style>p{}</style></head><body><h1>Welcome</h1><p>First &amp; para.</p>` +
		`<table><tr><th>k</th><th>v</th></tr><tr><td>a</td><td>1</td></tr></table><p>After.</p><script>x()</script></body></html>`
	doc, err := New(nil).Parse(context.Background(), []byte(src), "page.html", StrategyAuto)
	require.NoError(t, err)

	assert.Equal(t, "My Page", doc.Title)
	require.Equal(t, []BlockType{BlockTitle, BlockParagraph, BlockTable, BlockParagraph}, blockTypes(doc.Blocks))
	assert.Equal(t, "Welcome", doc.Blocks[0].Text)
	assert.Equal(t, "First & para.", doc.Blocks[1].Text)
	assert.Equal(t, "k | v\na | 1", doc.Blocks[2].Text)
	assert.Equal(t, "After.", doc.Blocks[3].Text)
}

func TestParse_DOCX(t *testing.T) {
	body := `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		`<w:p><w:pPr><w:pStyle w:val="Heading1"/></w:pPr><w:r><w:t>Intro</w:t></w:r></w:p>` +
		`<w:p><w:r><w:t xml:space="preserve">Hello </w:t></w:r><w:r><w:t>world</w:t></w:r></w:p>` +
		`<w:tbl><w:tr><w:tc><w:p><w:r><w:t>A</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>B</w:t></w:r></w:p></w:tc></w:tr></w:tbl>` +
		`</w:body></w:document>`
	core := `<cp:coreProperties xmlns:cp="http://schemas.openxmlformats.org/package/2006/metadata/core-properties" xmlns:dc="http://purl.org/dc/elements/1.1/"><dc:title>Doc Title</dc:title></cp:coreProperties>`
	data := makeZip(t, map[string]string{"word/document.xml": body, "docProps/core.xml": core})

	doc, err := New(nil).Parse(context.Background(), data, "report.docx", StrategyAuto)
	require.NoError(t, err)
	assert.Equal(t, "Doc Title", doc.Title)
	require.Equal(t, []BlockType{BlockTitle, BlockParagraph, BlockTable}, blockTypes(doc.Blocks))
	assert.Equal(t, "Intro", doc.Blocks[0].Text)
	assert.Equal(t, "Hello world", doc.Blocks[1].Text)
	assert.Equal(t, "A | B", doc.Blocks[2].Text)
}

func TestParse_DOCXCorrupt(t *testing.T) {
	_, err := New(nil).Parse(context.Background(), []byte("not a zip"), "broken.docx", StrategyAuto)
	assert.ErrorIs(t, err, ErrParseFailure)
}

func TestParse_XLSX(t *testing.T) {
	data := makeZip(t, map[string]string{
		"xl/sharedStrings.xml": `<sst><si><t>Name</t></si><si><t>Qty</t></si><si><r><t>App</t></r><r><t>le</t></r></si></sst>`,
		"xl/workbook.xml":      `<workbook><sheets><sheet name="Fruit" sheetId="1"/></sheets></workbook>`,
		"xl/worksheets/sheet1.xml": `<worksheet><sheetData>` +
			`<row r="1"><c r="A1" t="s"><v>0</v></c><c r="B1" t="s"><v>1</v></c></row>` +
			`<row r="2"><c r="A2" t="s"><v>2</v></c><c r="B2"><v>3</v></c></row>` +
			`</sheetData></worksheet>`,
	})

	doc, err := New(nil).Parse(context.Background(), data, "stock.xlsx", StrategyAuto)
	require.NoError(t, err)
	require.Equal(t, []BlockType{BlockTitle, BlockTable}, blockTypes(doc.Blocks))
	assert.Equal(t, "Sheet: Fruit", doc.Blocks[0].Text)
	assert.Equal(t, "Name | Qty\nApple | 3", doc.Blocks[1].Text)
}

func TestParse_PPTX(t *testing.T) {
	slide := func(title, body string) string {
		return `<p:sld xmlns:p="p" xmlns:a="a"><p:cSld><p:spTree>` +
			`<p:sp><p:nvSpPr><p:nvPr><p:ph type="title"/></p:nvPr></p:nvSpPr><p:txBody><a:p><a:r><a:t>` + title + `</a:t></a:r></a:p></p:txBody></p:sp>` +
			`<p:sp><p:txBody><a:p><a:r><a:t>` + body + `</a:t></a:r></a:p></p:txBody></p:sp>` +
			`</p:spTree></p:cSld></p:sld>`
	}
	data := makeZip(t, map[string]string{
		"ppt/slides/slide2.xml":  slide("Second", "two"),
		"ppt/slides/slide1.xml":  slide("First", "one"),
		"ppt/slides/slide10.xml": slide("Tenth", "ten"),
	})

	doc, err := New(nil).Parse(context.Background(), data, "deck.pptx", StrategyAuto)
	require.NoError(t, err)
	assert.Equal(t, 3, doc.PageCount)
	var texts []string
	for _, b := range doc.Blocks {
		texts = append(texts, b.Text)
	}
	assert.Equal(t, []string{"First", "one", "Second", "two", "Tenth", "ten"}, texts)
	assert.Equal(t, BlockTitle, doc.Blocks[0].Type)
	assert.Equal(t, 3, doc.Blocks[5].Page)
}

func TestParse_LegacyBinaryIsDegraded(t *testing.T) {
	data := append([]byte{0xd0, 0xcf, 0x11, 0xe0, 0x00, 0x01}, []byte("Quarterly revenue grew strongly")...)
	data = append(data, 0x00, 0x02, 0x03)

	doc, err := New(nil).Parse(context.Background(), data, "old.doc", StrategyAuto)
	require.NoError(t, err)
	assert.True(t, doc.Degraded)
	require.NotEmpty(t, doc.Blocks)
	assert.Contains(t, doc.Blocks[0].Text, "Quarterly revenue grew strongly")
}

func TestParse_JSONAndJSONL(t *testing.T) {
	doc, err := New(nil).Parse(context.Background(), []byte(`[{"name":"a","tags":["x","y"]},{"name":"b"}]`), "items.json", StrategyAuto)
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 2)
	assert.Equal(t, "name: a\ntags[0]: x\ntags[1]: y", doc.Blocks[0].Text)
	assert.Equal(t, BlockRecord, doc.Blocks[1].Type)

	doc, err = New(nil).Parse(context.Background(), []byte("{\"q\":1}\nnot json\n{\"q\":2}\n"), "rows.jsonl", StrategyAuto)
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 2)
	assert.Equal(t, "q: 2", doc.Blocks[1].Text)
	assert.True(t, doc.Degraded)

	_, err = New(nil).Parse(context.Background(), []byte("{broken"), "bad.json", StrategyAuto)
	assert.ErrorIs(t, err, ErrParseFailure)
}

func TestParse_CSV(t *testing.T) {
	doc, err := New(nil).Parse(context.Background(), []byte("city,pop\nOslo,700000\nBergen,290000\n"), "cities.csv", StrategyAuto)
	require.NoError(t, err)
	require.Len(t, doc.Blocks, 1)
	assert.Equal(t, BlockTable, doc.Blocks[0].Type)
	assert.Equal(t, "city | pop\nOslo | 700000\nBergen | 290000", doc.Blocks[0].Text)
}

func TestParse_ImageUsesOCR(t *testing.T) {
	ocr := &fakeOCR{text: "Line one\n\nLine two"}
	doc, err := New(ocr).Parse(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "scan.png", StrategyAuto)
	require.NoError(t, err)
	assert.Equal(t, 1, ocr.calls)
	assert.Equal(t, StrategyOCROnly, doc.Strategy)
	assert.Equal(t, []BlockType{BlockOCR, BlockOCR}, blockTypes(doc.Blocks))

	doc, err = New(ocr).Parse(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "scan.png", StrategyFast)
	require.NoError(t, err)
	assert.True(t, doc.Empty())
	assert.Equal(t, 1, ocr.calls)
}

func TestParse_OCRErrors(t *testing.T) {
	_, err := New(nil).Parse(context.Background(), []byte{1}, "scan.jpg", StrategyAuto)
	assert.ErrorIs(t, err, ErrParseFailure)

	_, err = New(&fakeOCR{}).Parse(context.Background(), []byte("text"), "notes.txt", StrategyOCROnly)
	assert.ErrorIs(t, err, ErrParseFailure)

	_, err = New(&fakeOCR{err: errors.New("model offline")}).Parse(context.Background(), []byte{1}, "scan.jpg", StrategyOCROnly)
	assert.ErrorIs(t, err, ErrParseFailure)
}

func TestParse_CorruptPDF(t *testing.T) {
	_, err := New(nil).Parse(context.Background(), []byte("%PDF-1.4 garbage"), "broken.pdf", StrategyAuto)
	assert.ErrorIs(t, err, ErrParseFailure)
}

func TestNoTextReason(t *testing.T) {
	assert.Contains(t, noTextReason("pdf"), "scanned PDF")
	assert.Contains(t, noTextReason("pdf"), "image files")
	assert.Equal(t, "no extractable text and .txt input cannot be OCR'd", noTextReason("txt"))
}

func TestParse_BlankTextIsDegradedForEveryExtractStrategy(t *testing.T) {
	for _, st := range []Strategy{StrategyAuto, StrategyFast, StrategyHiRes} {
		doc, err := New(nil).Parse(context.Background(), []byte("  \n\t\n "), "blank.txt", st)
		require.NoError(t, err, st)
		assert.True(t, doc.Degraded, st)
		assert.Equal(t, noTextReason("txt"), doc.DegradedReason, st)
	}
}
