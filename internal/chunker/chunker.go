// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
)

// Chunk is a contiguous, line-addressable region of a source file with
// optional symbol attribution. Line numbers are 1-indexed and inclusive.
// Chunks do not partition the file: the linewindow chunker overlaps
// consecutive windows and omits windows that hold only whitespace.
type Chunk struct {
	SymbolName *string
	StartLine  int
	EndLine    int
	Content    string
}

// Chunker turns a file's content into an ordered sequence of chunks.
// Symbol-aware chunkers plug in behind this interface; the sliding-window
// fallback in linewindow is the one concrete implementation shipped, used
// for every language family.
type Chunker interface {
	Chunk(filepath string, content []byte) ([]Chunk, error)
}

// ContentHash hashes the concatenation of a file's chunk contents, the
// content-addressing scheme the rest of the system keys off of.
func ContentHash(chunks []Chunk) string {
	h := sha256.New()
	for _, c := range chunks {
		h.Write([]byte(c.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FileHash hashes raw file bytes directly; used by the Indexer/Watcher to
// decide whether a file changed without first chunking it.
func FileHash(content []byte) string {
	h := sha256.Sum256(content)
	return hex.EncodeToString(h[:])
}
