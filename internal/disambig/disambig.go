// Package disambig groups search results into entity groups and decides
// whether one source dominates the result set or the user must pick among
// competing candidates. Grouping is purely in-memory and deterministic:
// identical inputs always produce identical groups, ordering, and outcomes.
package disambig

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/54b3r/kbai-go/internal/rag"
)

// ErrGroupNotFound indicates a selection referenced an entity group that is
// not in the candidate list — a stale or invalid client selection, never a
// server fault.
var ErrGroupNotFound = errors.New("entity group not found")

const (
	// DefaultMaxGroups is the number of groups returned when the caller
	// passes a non-positive limit.
	DefaultMaxGroups = 5

	// refinementTrigger is the primary-group count above which the flat
	// per-document partition is abandoned in favor of per-section subgroups.
	refinementTrigger = 5

	// refinementTopDocuments is how many of the best-scoring document groups
	// survive into section refinement. Results of lower-ranked documents are
	// dropped from the output set entirely (kept as-is from the original
	// behavior — see DESIGN.md).
	refinementTopDocuments = 3

	// sampleTextLimit is the maximum rune length of an option's sample text
	// before the ellipsis is applied.
	sampleTextLimit = 200

	// generalSection is the bucket for results that carry no section.
	generalSection = "general"
)

// EntityType classifies what an entity group represents.
type EntityType string

const (
	// EntityDocument groups results by their owning document.
	EntityDocument EntityType = "document"

	// EntitySection groups results by section within one document.
	EntitySection EntityType = "section"
)

// GroupMetadata holds the aggregated facts about one entity group.
type GroupMetadata struct {
	// DocumentID is the owning document of the group.
	DocumentID string `json:"document_id"`

	// DocumentType is the doc type of the group's first result, if known.
	DocumentType string `json:"document_type,omitempty"`

	// Section is set for section groups only.
	Section string `json:"section,omitempty"`

	// ResultCount is the number of results in the group.
	ResultCount int `json:"result_count"`

	// Sections lists the distinct non-empty sections seen in a document
	// group, in first-seen order.
	Sections []string `json:"sections,omitempty"`
}

// EntityGroup is a cluster of search results attributed to one logical
// entity — a document, or a section within a document. The slice of results
// preserves the relative order they arrived in (similarity descending).
type EntityGroup struct {
	// EntityID is the stable group key: the document_id, or
	// "{document_id}_{section}" for section groups.
	EntityID string `json:"entity_id"`

	// EntityType says whether this group is a document or a section.
	EntityType EntityType `json:"entity_type"`

	// EntityTitle is the display name for the group.
	EntityTitle string `json:"entity_title"`

	// Results are the group's members, original relative order preserved.
	Results []rag.SearchResult `json:"results"`

	// CombinedScore is the position-weighted average similarity of the
	// group's results.
	CombinedScore float64 `json:"combined_score"`

	// Metadata holds the aggregated group facts.
	Metadata GroupMetadata `json:"metadata"`
}

// Option is the user-facing projection of an EntityGroup, presented when
// disambiguation is needed. Derived, read-only, recomputed per request.
type Option struct {
	// GroupID equals the group's EntityID.
	GroupID string `json:"group_id"`

	// Title is the group's display name.
	Title string `json:"title"`

	// Description is a templated summary of the group's contents.
	Description string `json:"description"`

	// EntityType mirrors the group's entity type.
	EntityType EntityType `json:"entity_type"`

	// ResultCount is the number of results behind this option.
	ResultCount int `json:"result_count"`

	// AvgScore equals the group's combined score.
	AvgScore float64 `json:"avg_score"`

	// SampleText is the first 200 characters of the top result's text,
	// ellipsis-terminated when truncated.
	SampleText string `json:"sample_text"`

	// Metadata mirrors the group's metadata.
	Metadata GroupMetadata `json:"metadata"`
}

// Disambiguate partitions results into entity groups and applies the
// three-outcome rule:
//
//   - no results clear minScoreThreshold → (nil, nil)
//   - exactly one group survives → that group alone, no options
//   - multiple groups survive → all of them plus user-facing options
//
// Groups are filtered by combined score, sorted by combined score descending
// (ties broken by first-seen order), and limited to maxGroups.
func Disambiguate(results []rag.SearchResult, maxGroups int, minScoreThreshold float64) ([]EntityGroup, []Option) {
	if len(results) == 0 {
		return nil, nil
	}
	if maxGroups <= 0 {
		maxGroups = DefaultMaxGroups
	}

	groups := groupByEntity(results)

	filtered := groups[:0:0]
	for _, g := range groups {
		if g.CombinedScore >= minScoreThreshold {
			filtered = append(filtered, g)
		}
	}

	sortByScore(filtered)

	if len(filtered) > maxGroups {
		filtered = filtered[:maxGroups]
	}

	switch {
	case len(filtered) == 1:
		// Clear winner — no disambiguation needed.
		return filtered, nil
	case len(filtered) > 1:
		return filtered, buildOptions(filtered)
	default:
		return nil, nil
	}
}

// SelectGroup returns the group with the given id, or ErrGroupNotFound when
// the id matches nothing — callers should treat that as a client error.
func SelectGroup(groups []EntityGroup, groupID string) (EntityGroup, error) {
	for _, g := range groups {
		if g.EntityID == groupID {
			return g, nil
		}
	}
	return EntityGroup{}, fmt.Errorf("%w: %s", ErrGroupNotFound, groupID)
}

// groupByEntity runs the primary per-document partition and, when that
// yields too many candidates to present, refines the best documents into
// per-section subgroups instead.
func groupByEntity(results []rag.SearchResult) []EntityGroup {
	docGroups := groupByDocument(results)

	if len(docGroups) > refinementTrigger {
		top := make([]EntityGroup, len(docGroups))
		copy(top, docGroups)
		sortByScore(top)
		if len(top) > refinementTopDocuments {
			top = top[:refinementTopDocuments]
		}

		var sectionGroups []EntityGroup
		for _, doc := range top {
			sectionGroups = append(sectionGroups, groupBySection(doc.Results)...)
		}
		return sectionGroups
	}

	return docGroups
}

// groupByDocument partitions results by document_id, preserving the
// first-seen order of documents and the relative order of each document's
// results.
func groupByDocument(results []rag.SearchResult) []EntityGroup {
	byDoc := make(map[string][]rag.SearchResult)
	var order []string

	for _, r := range results {
		if _, seen := byDoc[r.DocumentID]; !seen {
			order = append(order, r.DocumentID)
		}
		byDoc[r.DocumentID] = append(byDoc[r.DocumentID], r)
	}

	groups := make([]EntityGroup, 0, len(order))
	for _, docID := range order {
		docResults := byDoc[docID]
		first := docResults[0]

		groups = append(groups, EntityGroup{
			EntityID:      docID,
			EntityType:    EntityDocument,
			EntityTitle:   documentTitle(first),
			Results:       docResults,
			CombinedScore: combinedScore(docResults),
			Metadata: GroupMetadata{
				DocumentID:   docID,
				DocumentType: first.DocumentType,
				ResultCount:  len(docResults),
				Sections:     distinctSections(docResults),
			},
		})
	}

	return groups
}

// groupBySection partitions one document's results by section. Results
// without a section land in the "general" bucket.
func groupBySection(results []rag.SearchResult) []EntityGroup {
	bySection := make(map[string][]rag.SearchResult)
	var order []string

	for _, r := range results {
		section := r.Section
		if section == "" {
			section = generalSection
		}
		if _, seen := bySection[section]; !seen {
			order = append(order, section)
		}
		bySection[section] = append(bySection[section], r)
	}

	groups := make([]EntityGroup, 0, len(order))
	for _, section := range order {
		sectionResults := bySection[section]
		first := sectionResults[0]
		docTitle := documentTitle(first)

		title := docTitle
		if section != generalSection {
			title = docTitle + " - " + titleCase(section)
		}

		groups = append(groups, EntityGroup{
			EntityID:      first.DocumentID + "_" + section,
			EntityType:    EntitySection,
			EntityTitle:   title,
			Results:       sectionResults,
			CombinedScore: combinedScore(sectionResults),
			Metadata: GroupMetadata{
				DocumentID:   first.DocumentID,
				DocumentType: first.DocumentType,
				Section:      section,
				ResultCount:  len(sectionResults),
			},
		})
	}

	return groups
}

// combinedScore computes the position-weighted average similarity for a
// group of results in their received order: weight 1/(i+1) for position i,
// score = Σ(wᵢ·sᵢ) / Σwᵢ. A single strong top-ranked fragment can outscore
// many weak ones; sheer group size alone earns nothing.
func combinedScore(results []rag.SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}

	var weightedSum, totalWeight float64
	for i, r := range results {
		w := 1.0 / float64(i+1)
		weightedSum += w * r.Score
		totalWeight += w
	}

	return weightedSum / totalWeight
}

// buildOptions projects groups into user-facing disambiguation options.
func buildOptions(groups []EntityGroup) []Option {
	options := make([]Option, 0, len(groups))

	for _, g := range groups {
		options = append(options, Option{
			GroupID:     g.EntityID,
			Title:       g.EntityTitle,
			Description: describeGroup(g),
			EntityType:  g.EntityType,
			ResultCount: len(g.Results),
			AvgScore:    g.CombinedScore,
			SampleText:  sampleText(g),
			Metadata:    g.Metadata,
		})
	}

	return options
}

// describeGroup renders the templated description for an option.
func describeGroup(g EntityGroup) string {
	switch g.EntityType {
	case EntityDocument:
		desc := fmt.Sprintf("Document with %d relevant sections", g.Metadata.ResultCount)
		if len(g.Metadata.Sections) > 0 {
			names := g.Metadata.Sections
			if len(names) > 3 {
				names = names[:3]
			}
			desc += fmt.Sprintf(" (sections: %s)", strings.Join(names, ", "))
		}
		return desc
	case EntitySection:
		return fmt.Sprintf("Section '%s' with %d relevant parts", g.Metadata.Section, g.Metadata.ResultCount)
	default:
		return fmt.Sprintf("Content with %d relevant parts", g.Metadata.ResultCount)
	}
}

// sampleText returns the first 200 characters of the group's top result,
// with a literal "..." suffix only when the text was actually cut. The cut
// is a hard one — mid-word is fine here.
func sampleText(g EntityGroup) string {
	if len(g.Results) == 0 {
		return ""
	}
	text := []rune(g.Results[0].Text)
	if len(text) <= sampleTextLimit {
		return string(text)
	}
	return string(text[:sampleTextLimit]) + "..."
}

// documentTitle returns the result's display title, falling back to a short
// identifier when the payload carried no filename.
func documentTitle(r rag.SearchResult) string {
	if r.DocumentTitle != "" {
		return r.DocumentTitle
	}
	return "Document " + shortID(r.DocumentID)
}

// shortID returns the first 8 characters of an identifier.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// distinctSections collects the non-empty sections of a document group in
// first-seen order. Order matters: it feeds the option description and must
// be deterministic across runs.
func distinctSections(results []rag.SearchResult) []string {
	var sections []string
	seen := make(map[string]bool)
	for _, r := range results {
		if r.Section == "" || seen[r.Section] {
			continue
		}
		seen[r.Section] = true
		sections = append(sections, r.Section)
	}
	return sections
}

// sortByScore sorts groups by combined score descending, in place. The sort
// is stable so equal scores keep their first-seen order — no secondary
// comparisons.
func sortByScore(groups []EntityGroup) {
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].CombinedScore > groups[j].CombinedScore
	})
}

// titleCase upper-cases the first letter of each space-separated word.
// Matches how section names are presented in group titles ("key findings"
// → "Key Findings").
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
