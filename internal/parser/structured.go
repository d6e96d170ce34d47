package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

const csvRowsPerBlock = 50

func parseJSON(data []byte, filename string) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, failure(filename, "invalid json: %v", err)
	}

	doc := &Document{PageCount: 1}
	if arr, ok := v.([]interface{}); ok {
		for _, item := range arr {
			doc.Blocks = append(doc.Blocks, Block{Type: BlockRecord, Text: strings.Join(flatten("", item), "\n"), Page: 1})
		}
		return doc, nil
	}
	doc.Blocks = append(doc.Blocks, Block{Type: BlockRecord, Text: strings.Join(flatten("", v), "\n"), Page: 1})
	return doc, nil
}

func parseJSONL(data []byte, filename string) (*Document, error) {
	doc := &Document{PageCount: 1}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	lineNo, bad, good := 0, 0, 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(line))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			bad++
			continue
		}
		good++
		doc.Blocks = append(doc.Blocks, Block{Type: BlockRecord, Text: strings.Join(flatten("", v), "\n"), Page: 1})
	}
	if err := sc.Err(); err != nil {
		return nil, failure(filename, "read jsonl: %v", err)
	}
	if good == 0 && bad > 0 {
		return nil, failure(filename, "no valid json lines (%d malformed)", bad)
	}
	if bad > 0 {
		doc.degrade(fmt.Sprintf("%d of %d json lines malformed and skipped", bad, lineNo))
	}
	return doc, nil
}

// flatten renders a decoded JSON value as "path: value" lines in key order.
func flatten(prefix string, v interface{}) []string {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []string
		for _, k := range keys {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			out = append(out, flatten(p, t[k])...)
		}
		return out
	case []interface{}:
		var out []string
		for i, item := range t {
			out = append(out, flatten(fmt.Sprintf("%s[%d]", prefix, i), item)...)
		}
		return out
	case nil:
		return nil
	default:
		if prefix == "" {
			return []string{fmt.Sprint(t)}
		}
		return []string{fmt.Sprintf("%s: %v", prefix, t)}
	}
}

func parseCSV(data []byte, filename string) (*Document, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	doc := &Document{PageCount: 1}
	var header string
	var rows []string
	flush := func() {
		if len(rows) == 0 {
			return
		}
		text := strings.Join(rows, "\n")
		if header != "" {
			text = header + "\n" + text
		}
		doc.Blocks = append(doc.Blocks, Block{Type: BlockTable, Text: text, Page: 1, TableID: 1})
		rows = rows[:0]
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if len(rows) == 0 && header == "" {
				return nil, failure(filename, "invalid csv: %v", err)
			}
			doc.degrade(fmt.Sprintf("csv read stopped early: %v", err))
			break
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		line := strings.Join(rec, " | ")
		if strings.Trim(line, " |") == "" {
			continue
		}
		if header == "" {
			header = line
			continue
		}
		rows = append(rows, line)
		if len(rows) == csvRowsPerBlock {
			flush()
		}
	}
	flush()
	if len(doc.Blocks) == 0 && header != "" {
		doc.Blocks = append(doc.Blocks, Block{Type: BlockTable, Text: header, Page: 1, TableID: 1})
	}
	return doc, nil
}
