package review

import (
	"errors"
	"testing"

	"inkreview/pkg/domain"
)

func TestNormalizeMetadataFromProseWrappedJSON(t *testing.T) {
	raw := `Sure! Here is the metadata you asked for:

{
  "author": "A. Writer",
  "co_authors": ["B. Writer"],
  "booktype": "Fiction",
  "language": "Español",
  "ISBN": "978-3-16-148410-0",
  "Publisher": "Not specified",
  "Wordcount": "84211",
  "Topic": "A lighthouse keeper's last winter",
  "Characters": ["Marta", "Joaquín"],
  "Location": ["Galicia"]
}

Let me know if you need anything else.`

	frag, err := Normalize(raw, domain.TaskMetadataExtraction)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	md := frag.Metadata
	if md == nil {
		t.Fatalf("metadata fragment missing")
	}
	if md.Author != "A. Writer" {
		t.Fatalf("author = %q", md.Author)
	}
	if md.BookType != "fiction" {
		t.Fatalf("bookType = %q, want lowercased fiction", md.BookType)
	}
	if md.Language != "Español" {
		t.Fatalf("language = %q", md.Language)
	}
	if md.Publisher != "" {
		t.Fatalf("publisher = %q, want empty for 'Not specified'", md.Publisher)
	}
	if md.WordCount != 84211 {
		t.Fatalf("wordCount = %d, want 84211 from numeric string", md.WordCount)
	}
	if len(md.Characters) != 2 || md.Characters[0] != "Marta" {
		t.Fatalf("characters = %v", md.Characters)
	}
}

func TestNormalizeInitialReviewClampsOutOfRangeScore(t *testing.T) {
	raw := `{"ai_quality_score": 150, "review_summary": "Strong debut.", "single_line_summary": "Compelling."}`
	frag, err := Normalize(raw, domain.TaskInitialReview)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if frag.QualityScore == nil || *frag.QualityScore != 100 {
		t.Fatalf("qualityScore = %v, want clamped to 100", frag.QualityScore)
	}
	if !frag.SuspectScore {
		t.Fatalf("suspectScore = false, want true after clamp")
	}
	if frag.ReviewSummary != "Strong debut." {
		t.Fatalf("reviewSummary = %q", frag.ReviewSummary)
	}
}

func TestNormalizeInitialReviewNegativeSectionScore(t *testing.T) {
	raw := `{"ai_quality_score": 72, "section_scores": [{"section": "Plot", "score": -5, "comment": "thin"}]}`
	frag, err := Normalize(raw, domain.TaskInitialReview)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if *frag.QualityScore != 72 {
		t.Fatalf("qualityScore = %d", *frag.QualityScore)
	}
	if len(frag.SectionScores) != 1 || frag.SectionScores[0].Score != 0 {
		t.Fatalf("sectionScores = %+v, want score clamped to 0", frag.SectionScores)
	}
	if !frag.SuspectScore {
		t.Fatalf("suspectScore should be set by section clamp")
	}
}

func TestNormalizeInitialReviewMissingOptionalFields(t *testing.T) {
	frag, err := Normalize(`{"review_summary": "ok"}`, domain.TaskInitialReview)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if frag.QualityScore != nil {
		t.Fatalf("qualityScore = %v, want nil when absent", frag.QualityScore)
	}
	if frag.SuspectScore {
		t.Fatalf("suspectScore should stay false without scores")
	}
}

func TestNormalizeDetailedReview(t *testing.T) {
	raw := `Analysis complete.
{
  "detailed_summary": "...",
  "full_blurb": "blurb",
  "promotional_blurb": "promo",
  "service_needs": [{"category": "editing", "suggestion": "line edit chapters 3-7"}],
  "plagiarism_details": {"score": 12, "matches": [{"source": "example.com/essay", "similarity": "18%"}]}
}`
	frag, err := Normalize(raw, domain.TaskDetailedReview)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if frag.Plagiarism == nil || frag.Plagiarism.Score != 12 {
		t.Fatalf("plagiarism = %+v", frag.Plagiarism)
	}
	if len(frag.Plagiarism.Matches) != 1 || frag.Plagiarism.Matches[0].Similarity != "18%" {
		t.Fatalf("matches = %+v", frag.Plagiarism.Matches)
	}
	if len(frag.ServiceNeeds) != 1 || frag.ServiceNeeds[0].Category != "editing" {
		t.Fatalf("serviceNeeds = %+v", frag.ServiceNeeds)
	}
}

func TestNormalizeDetailedReviewAbsentMatches(t *testing.T) {
	frag, err := Normalize(`{"detailed_summary": "clean", "plagiarism_details": {"score": 3}}`, domain.TaskDetailedReview)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if frag.Plagiarism == nil {
		t.Fatalf("plagiarism details missing")
	}
	if frag.Plagiarism.Matches == nil || len(frag.Plagiarism.Matches) != 0 {
		t.Fatalf("matches = %v, want empty non-nil slice", frag.Plagiarism.Matches)
	}
}

func TestNormalizeNoJSONAnywhere(t *testing.T) {
	_, err := Normalize("I'm sorry, I cannot review this manuscript.", domain.TaskInitialReview)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	if parseErr.Raw == "" {
		t.Fatalf("parse error should keep the raw body for diagnostics")
	}
}

func TestExtractJSONObjectSkipsUnbalancedBraces(t *testing.T) {
	raw := "score {not json} then {\"a\": \"b } c\", \"n\": 1}"
	obj, err := ExtractJSONObject(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if string(obj) != `{"a": "b } c", "n": 1}` {
		t.Fatalf("extracted = %s", obj)
	}
}

func TestExtractJSONObjectNested(t *testing.T) {
	raw := `prefix {"outer": {"inner": [1, 2]}} suffix`
	obj, err := ExtractJSONObject(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if string(obj) != `{"outer": {"inner": [1, 2]}}` {
		t.Fatalf("extracted = %s", obj)
	}
}
