package metadata

import (
	"path/filepath"
	"sort"
	"strings"

	"gopherrag/internal/parser"
)

// Metadata describes one ingested document.
type Metadata struct {
	Title             string   `json:"title"`
	SourceFilename    string   `json:"source_filename"`
	Extension         string   `json:"extension"`
	RequestedStrategy string   `json:"requested_strategy"`
	Strategy          string   `json:"strategy"`
	HasTables         bool     `json:"has_tables"`
	TablesFound       int      `json:"tables_found"`
	PageCount         int      `json:"page_count"`
	BlockCount        int      `json:"block_count"`
	Degraded          bool     `json:"degraded"`
	DegradedReason    string   `json:"degraded_reason,omitempty"`
	Tags              []string `json:"tags,omitempty"`
}

const maxTitleRunes = 200

// Extract derives metadata from a parsed document. Tags are de-duplicated and sorted.
func Extract(doc *parser.Document, filename string, requested parser.Strategy, tags []string) Metadata {
	md := Metadata{
		SourceFilename:    filepath.Base(filename),
		Extension:         parser.Extension(filename),
		RequestedStrategy: string(requested),
		Strategy:          string(doc.Strategy),
		PageCount:         doc.PageCount,
		BlockCount:        len(doc.Blocks),
		Degraded:          doc.Degraded,
		DegradedReason:    doc.DegradedReason,
		Tags:              normalizeTags(tags),
	}

	tables := make(map[int]struct{})
	for _, b := range doc.Blocks {
		if b.Type == parser.BlockTable && b.TableID > 0 {
			tables[b.TableID] = struct{}{}
		}
	}
	md.TablesFound = len(tables)
	md.HasTables = md.TablesFound > 0

	md.Title = titleFor(doc, filename)
	return md
}

func titleFor(doc *parser.Document, filename string) string {
	if t := strings.TrimSpace(doc.Title); t != "" {
		return truncate(t)
	}
	for _, b := range doc.Blocks {
		if b.Type == parser.BlockTitle {
			line := strings.SplitN(b.Text, "\n", 2)[0]
			if t := strings.TrimSpace(strings.TrimLeft(line, "# ")); t != "" {
				return truncate(t)
			}
		}
	}
	base := filepath.Base(filename)
	if stem := strings.TrimSuffix(base, filepath.Ext(base)); stem != "" {
		return stem
	}
	return "Untitled"
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxTitleRunes {
		return s
	}
	return string(r[:maxTitleRunes])
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SplitTags parses a comma separated tag list.
func SplitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return normalizeTags(strings.Split(raw, ","))
}
