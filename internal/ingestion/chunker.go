package ingestion

import (
	"strings"
)

// Chunk is one slice of a document's text, tagged with the section it
// falls under.
type Chunk struct {
	// Text is the chunk content.
	Text string
	// Index is the chunk's position within the document.
	Index int
	// Section is the lowercased heading the chunk falls under, empty when
	// the document has no headings before this point.
	Section string
}

// ChunkText splits text into overlapping chunks of size characters and
// tags each chunk with the nearest preceding markdown heading. Overlap is
// carried between consecutive chunks so sentences cut at a boundary stay
// searchable.
func ChunkText(text string, size, overlap int) []Chunk {
	text = strings.TrimSpace(text)
	if len(text) == 0 {
		return nil
	}
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 10
	}

	headings := headingOffsets(text)

	var chunks []Chunk
	for start := 0; start < len(text); start += size - overlap {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, Chunk{
			Text:    text[start:end],
			Index:   len(chunks),
			Section: sectionAt(headings, start),
		})
		if end == len(text) {
			break
		}
	}

	return chunks
}

// headingOffset pairs a byte offset with the section name declared there.
type headingOffset struct {
	offset  int
	section string
}

// headingOffsets scans for markdown headings ("# Title" through
// "###### Title") and records where each section begins.
func headingOffsets(text string) []headingOffset {
	var offsets []headingOffset
	pos := 0

	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if name, ok := headingName(trimmed); ok {
			offsets = append(offsets, headingOffset{offset: pos, section: name})
		}
		pos += len(line)
	}

	return offsets
}

// headingName extracts the section name from a markdown heading line.
func headingName(line string) (string, bool) {
	if !strings.HasPrefix(line, "#") {
		return "", false
	}
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level > 6 || level == len(line) || line[level] != ' ' {
		return "", false
	}
	name := strings.ToLower(strings.TrimSpace(line[level:]))
	if name == "" {
		return "", false
	}
	return name, true
}

// sectionAt returns the section of the latest heading at or before offset.
func sectionAt(headings []headingOffset, offset int) string {
	section := ""
	for _, h := range headings {
		if h.offset > offset {
			break
		}
		section = h.section
	}
	return section
}
