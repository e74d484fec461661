package ingestion

import (
	"path/filepath"
	"strings"
)

// InferredMetadata holds the doc type and source type inferred from a
// file's name and extension. Explicit CLI flags take precedence over
// inferred values — this is the "best-effort" fallback when the user
// doesn't specify explicit metadata.
type InferredMetadata struct {
	// DocType classifies the content (article, cv, report, other).
	DocType string
	// SourceType names the physical format (pdf, transcript, document).
	SourceType string
}

// sourceTypeByExtension maps file extensions to the canonical source type.
var sourceTypeByExtension = map[string]string{
	".pdf":  "pdf",
	".vtt":  "transcript",
	".srt":  "transcript",
	".txt":  "transcript",
	".md":   "document",
	".doc":  "document",
	".docx": "document",
	".rtf":  "document",
}

// docTypeKeywords maps filename substrings to doc types, checked in order.
var docTypeKeywords = []struct {
	keyword string
	docType string
}{
	{"resume", "cv"},
	{"cv", "cv"},
	{"report", "report"},
	{"paper", "article"},
	{"article", "article"},
}

// InferMetadata inspects a filename and returns best-effort metadata. If
// nothing matches, the returned fields contain sensible defaults
// ("other", "document").
func InferMetadata(filename string) InferredMetadata {
	m := InferredMetadata{
		DocType:    "other",
		SourceType: "document",
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if st, ok := sourceTypeByExtension[ext]; ok {
		m.SourceType = st
	}

	base := strings.ToLower(strings.TrimSuffix(filepath.Base(filename), ext))
	for _, k := range docTypeKeywords {
		if strings.Contains(base, k.keyword) {
			m.DocType = k.docType
			break
		}
	}

	return m
}
