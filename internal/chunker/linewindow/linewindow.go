// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch

// Package linewindow implements the sliding-window fallback Chunker used for
// every language family. Windows are expressed over line numbers so
// chunks stay (start_line,end_line)-addressable.
package linewindow

import (
	"strings"

	"github.com/oakdev/oak-ci/internal/chunker"
)

const (
	defaultLinesPerChunk = 60
	defaultOverlapLines  = 6
)

// Chunker splits a file into fixed-size, overlapping line windows, trying to
// break on a blank line near the window boundary rather than mid-statement.
type Chunker struct {
	linesPerChunk int
	overlapLines  int
}

// New creates a Chunker with the default window/overlap sizing.
func New() *Chunker {
	return &Chunker{linesPerChunk: defaultLinesPerChunk, overlapLines: defaultOverlapLines}
}

// NewWithWindow creates a Chunker with an explicit window and overlap, in
// lines.
func NewWithWindow(linesPerChunk, overlapLines int) *Chunker {
	if linesPerChunk <= 0 {
		linesPerChunk = defaultLinesPerChunk
	}
	if overlapLines < 0 || overlapLines >= linesPerChunk {
		overlapLines = defaultOverlapLines
	}
	return &Chunker{linesPerChunk: linesPerChunk, overlapLines: overlapLines}
}

// Chunk implements chunker.Chunker. For identical input bytes it always
// produces identical output.
func (c *Chunker) Chunk(filepath string, content []byte) ([]chunker.Chunk, error) {
	if len(content) == 0 {
		return nil, nil
	}

	lines := strings.Split(string(content), "\n")
	// strings.Split on a trailing newline yields a spurious empty final
	// element; drop it so EndLine reflects the file's real last line.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return nil, nil
	}

	var chunks []chunker.Chunk
	start := 0
	total := len(lines)

	for start < total {
		end := start + c.linesPerChunk
		if end > total {
			end = total
		}

		// Prefer breaking on a blank line within the trailing quarter of
		// the window, so chunk boundaries don't split a block mid-way
		// when a natural gap is nearby.
		if end < total {
			searchFrom := end - c.linesPerChunk/4
			if searchFrom < start+1 {
				searchFrom = start + 1
			}
			for i := end - 1; i >= searchFrom; i-- {
				if strings.TrimSpace(lines[i]) == "" {
					end = i + 1
					break
				}
			}
		}

		text := joinLines(lines[start:end])
		if strings.TrimSpace(text) != "" {
			chunks = append(chunks, chunker.Chunk{
				StartLine: start + 1,
				EndLine:   end,
				Content:   text,
			})
		}

		if end >= total {
			break
		}
		next := end - c.overlapLines
		if next <= start {
			next = end
		}
		start = next
	}

	return chunks, nil
}

func joinLines(lines []string) string {
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}
