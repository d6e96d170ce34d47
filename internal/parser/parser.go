package parser

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrParseFailure      = errors.New("parse failure")
)

// ParseError reports the file that could not be parsed.
type ParseError struct {
	Filename string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s failed: %v", e.Filename, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func failure(filename string, format string, args ...interface{}) error {
	return &ParseError{Filename: filename, Err: fmt.Errorf("%w: %s", ErrParseFailure, fmt.Sprintf(format, args...))}
}

type BlockType string

const (
	BlockTitle     BlockType = "title"
	BlockParagraph BlockType = "paragraph"
	BlockTable     BlockType = "table"
	BlockList      BlockType = "list"
	BlockRecord    BlockType = "record"
	BlockOCR       BlockType = "ocr"
)

// Block is one logical unit of extracted text. TableID is non-zero for
// blocks that belong to a table; blocks of the same table share it.
type Block struct {
	Type    BlockType
	Text    string
	Ordinal int
	Page    int
	TableID int
}

type Strategy string

const (
	StrategyAuto    Strategy = "auto"
	StrategyFast    Strategy = "fast"
	StrategyHiRes   Strategy = "hi_res"
	StrategyOCROnly Strategy = "ocr_only"
)

func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(raw))); s {
	case StrategyAuto, StrategyFast, StrategyHiRes, StrategyOCROnly:
		return s, nil
	case "":
		return StrategyAuto, nil
	default:
		return "", fmt.Errorf("unknown parsing strategy %q", raw)
	}
}

// Document is the parser output for one source file.
type Document struct {
	Blocks         []Block
	Title          string
	PageCount      int
	Strategy       Strategy
	Degraded       bool
	DegradedReason string
}

func (d *Document) degrade(reason string) {
	d.Degraded = true
	if d.DegradedReason == "" {
		d.DegradedReason = reason
		return
	}
	d.DegradedReason += "; " + reason
}

// Empty reports whether no block carries text.
func (d *Document) Empty() bool {
	for _, b := range d.Blocks {
		if strings.TrimSpace(b.Text) != "" {
			return false
		}
	}
	return true
}

// OCR turns an image into text.
type OCR interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

var supportedExtensions = map[string]struct{}{
	"pdf": {}, "txt": {}, "md": {}, "html": {}, "htm": {},
	"docx": {}, "doc": {}, "xlsx": {}, "xls": {}, "pptx": {}, "ppt": {},
	"jsonl": {}, "json": {}, "csv": {}, "png": {}, "jpg": {}, "jpeg": {},
}

// Extension returns the lowercase extension of filename without the dot.
func Extension(filename string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
}

func Supported(filename string) bool {
	_, ok := supportedExtensions[Extension(filename)]
	return ok
}

func isImage(ext string) bool {
	return ext == "png" || ext == "jpg" || ext == "jpeg"
}

type Parser struct {
	ocr OCR
}

// New returns a parser. ocr may be nil, in which case image inputs fail.
func New(ocr OCR) *Parser {
	return &Parser{ocr: ocr}
}

// Parse converts raw bytes into ordered blocks.
func (p *Parser) Parse(ctx context.Context, data []byte, filename string, strategy Strategy) (*Document, error) {
	ext := Extension(filename)
	if _, ok := supportedExtensions[ext]; !ok {
		return nil, &ParseError{Filename: filename, Err: fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)}
	}
	if strategy == "" {
		strategy = StrategyAuto
	}
	if len(data) == 0 {
		return nil, failure(filename, "file is empty")
	}

	var (
		doc *Document
		err error
	)
	switch strategy {
	case StrategyOCROnly:
		if !isImage(ext) {
			return nil, failure(filename, "ocr_only needs an image input, got .%s", ext)
		}
		doc, err = p.recognize(ctx, data, filename)
	case StrategyFast, StrategyHiRes:
		if isImage(ext) {
			if strategy == StrategyFast {
				doc = &Document{}
				break
			}
			doc, err = p.recognize(ctx, data, filename)
			break
		}
		doc, err = p.extract(data, filename, ext, strategy == StrategyHiRes)
		if err == nil && doc.Empty() {
			doc.degrade(noTextReason(ext))
		}
	case StrategyAuto:
		if isImage(ext) {
			doc, err = p.recognize(ctx, data, filename)
			break
		}
		doc, err = p.extract(data, filename, ext, false)
		if err == nil {
			strategy = StrategyFast
			if doc.Empty() {
				doc.degrade(noTextReason(ext))
			}
		}
	default:
		return nil, failure(filename, "unknown strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}
	if doc.Strategy == "" {
		doc.Strategy = strategy
	}

	doc.Blocks = normalize(doc.Blocks)
	return doc, nil
}

// noTextReason explains an empty extraction. OCR only runs on image inputs,
// so a PDF with no text layer is most likely a scan.
func noTextReason(ext string) string {
	if ext == "pdf" {
		return "no text layer found, likely a scanned PDF; OCR is only supported for image files, convert the pages to images to index them"
	}
	return fmt.Sprintf("no extractable text and .%s input cannot be OCR'd", ext)
}

func (p *Parser) extract(data []byte, filename, ext string, hiRes bool) (*Document, error) {
	switch ext {
	case "pdf":
		return parsePDF(data, filename, hiRes)
	case "txt":
		return parsePlainText(data, hiRes), nil
	case "md":
		return parseMarkdown(data), nil
	case "html", "htm":
		return parseHTML(data), nil
	case "docx":
		return parseDOCX(data, filename)
	case "pptx":
		return parsePPTX(data, filename)
	case "xlsx":
		return parseXLSX(data, filename)
	case "doc", "xls", "ppt":
		return parseLegacyBinary(data, filename)
	case "json":
		return parseJSON(data, filename)
	case "jsonl":
		return parseJSONL(data, filename)
	case "csv":
		return parseCSV(data, filename)
	}
	return nil, &ParseError{Filename: filename, Err: fmt.Errorf("%w: .%s", ErrUnsupportedFormat, ext)}
}

func (p *Parser) recognize(ctx context.Context, data []byte, filename string) (*Document, error) {
	if p.ocr == nil {
		return nil, failure(filename, "no OCR engine configured")
	}
	text, err := p.ocr.Recognize(ctx, data)
	if err != nil {
		return nil, &ParseError{Filename: filename, Err: fmt.Errorf("%w: ocr: %v", ErrParseFailure, err)}
	}
	doc := &Document{Strategy: StrategyOCROnly, PageCount: 1}
	for _, para := range splitParagraphs(text) {
		doc.Blocks = append(doc.Blocks, Block{Type: BlockOCR, Text: para, Page: 1})
	}
	return doc, nil
}

// normalize drops blank blocks and renumbers ordinals.
func normalize(blocks []Block) []Block {
	out := blocks[:0]
	for _, b := range blocks {
		b.Text = strings.TrimSpace(b.Text)
		if b.Text == "" {
			continue
		}
		b.Ordinal = len(out)
		out = append(out, b)
	}
	return out
}

func splitParagraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	var cur []string
	flush := func() {
		if len(cur) == 0 {
			return
		}
		if p := strings.TrimSpace(strings.Join(cur, "\n")); p != "" {
			out = append(out, p)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		cur = append(cur, strings.TrimRight(line, " \t"))
	}
	flush()
	return out
}
