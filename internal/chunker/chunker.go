package chunker

import (
	"errors"
	"fmt"
	"strings"

	"gopherrag/internal/parser"
)

const blockSeparator = "\n\n"

var ErrInvalidPolicy = errors.New("invalid chunk policy")

// Chunk is a window over the joined block text. Start and End are rune offsets.
type Chunk struct {
	Index    int
	Text     string
	Start    int
	End      int
	HasTable bool
}

// Chunker splits blocks with a fixed rune window and overlap.
type Chunker struct {
	size    int
	overlap int
}

func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidPolicy, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrInvalidPolicy, overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

type span struct {
	start, end int
	table      bool
}

// Chunk joins blocks in order and slides the window over them. A switch
// between prose and a table, or between two tables, ends the current chunk
// early when the switch lies past the overlap region.
func (c *Chunker) Chunk(blocks []parser.Block) []Chunk {
	var (
		b          strings.Builder
		spans      []span
		boundaries []int
		pos        int
		prevKey    string
	)
	for _, blk := range blocks {
		if strings.TrimSpace(blk.Text) == "" {
			continue
		}
		if len(spans) > 0 {
			b.WriteString(blockSeparator)
			pos += len([]rune(blockSeparator))
		}
		key := "prose"
		if blk.Type == parser.BlockTable {
			key = fmt.Sprintf("table:%d", blk.TableID)
		}
		if len(spans) > 0 && key != prevKey {
			boundaries = append(boundaries, pos)
		}
		prevKey = key

		n := len([]rune(blk.Text))
		spans = append(spans, span{start: pos, end: pos + n, table: blk.Type == parser.BlockTable})
		b.WriteString(blk.Text)
		pos += n
	}

	text := []rune(b.String())
	total := len(text)
	if total == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	for {
		end := start + c.size
		if end > total {
			end = total
		}
		for _, bd := range boundaries {
			if bd <= start+c.overlap {
				continue
			}
			if bd < end {
				end = bd
			}
			break
		}

		chunks = append(chunks, Chunk{
			Index:    len(chunks),
			Text:     string(text[start:end]),
			Start:    start,
			End:      end,
			HasTable: overlapsTable(spans, start, end),
		})
		if end >= total {
			break
		}
		start = end - c.overlap
	}
	return chunks
}

func overlapsTable(spans []span, start, end int) bool {
	for _, s := range spans {
		if s.table && s.start < end && s.end > start {
			return true
		}
	}
	return false
}
