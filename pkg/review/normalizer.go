// Package review turns raw model output into canonical review fragments.
// Models frequently wrap their JSON in commentary, so the normalizer scans
// for the first well-formed object instead of decoding the body directly.
package review

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"inkreview/pkg/domain"
)

// ParseError means no usable JSON object could be located in the model
// output. The pipeline treats it like an invocation failure: a primary
// response that fails to parse still fails over to the backup.
type ParseError struct {
	TaskType domain.TaskType
	Raw      string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s response: %v", e.TaskType, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Fragment is the normalized slice of an AIReview produced by one stage.
// Only the fields for the stage's task type are populated.
type Fragment struct {
	TaskType domain.TaskType

	// metadata_extraction
	Metadata *domain.BookMetadata

	// initial_review
	QualityScore      *int
	SectionScores     []domain.SectionScore
	SingleLineSummary string
	ReviewSummary     string
	FullReviewContent string

	// detailed_review
	DetailedSummary  string
	FullBlurb        string
	PromotionalBlurb string
	ServiceNeeds     []domain.ServiceNeed
	Plagiarism       *domain.PlagiarismDetails

	// SuspectScore marks scores that arrived outside [0,100] and were
	// clamped. Data-quality warning only; never blocks completion.
	SuspectScore bool
}

// Normalize parses a model's raw response into a Fragment for the given
// task type. Missing optional fields default to empty; out-of-range scores
// are clamped and flagged rather than rejected.
func Normalize(rawBody string, taskType domain.TaskType) (Fragment, error) {
	obj, err := ExtractJSONObject(rawBody)
	if err != nil {
		return Fragment{}, &ParseError{TaskType: taskType, Raw: rawBody, Err: err}
	}
	frag := Fragment{TaskType: taskType}
	switch taskType {
	case domain.TaskMetadataExtraction:
		err = frag.fillMetadata(obj)
	case domain.TaskInitialReview:
		err = frag.fillInitialReview(obj)
	case domain.TaskDetailedReview:
		err = frag.fillDetailedReview(obj)
	default:
		return Fragment{}, &ParseError{TaskType: taskType, Raw: rawBody, Err: fmt.Errorf("unknown task type")}
	}
	if err != nil {
		return Fragment{}, &ParseError{TaskType: taskType, Raw: rawBody, Err: err}
	}
	return frag, nil
}

// ExtractJSONObject returns the first balanced top-level JSON object in
// text, tolerating leading and trailing prose.
func ExtractJSONObject(text string) ([]byte, error) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(text); i++ {
			ch := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case ch == '\\':
					escaped = true
				case ch == '"':
					inString = false
				}
				continue
			}
			switch ch {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := []byte(text[start : i+1])
					if json.Valid(candidate) {
						return candidate, nil
					}
					// Balanced but invalid; try the next opening brace.
					i = len(text)
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start = start + 1 + next
	}
	return nil, fmt.Errorf("no JSON object found")
}

// flexInt decodes a number, a numeric string, or null.
type flexInt struct {
	value int
	set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}
	s = strings.Trim(s, `"`)
	// Tolerate decimal scores ("85.5") by truncating.
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		s = s[:dot]
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	f.value = n
	f.set = true
	return nil
}

// flexString decodes a string or renders a bare number as text.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	*f = flexString(s)
	return nil
}

// clampScore clamps n to [0,100] and reports whether clamping occurred.
func clampScore(n int) (int, bool) {
	switch {
	case n < 0:
		return 0, true
	case n > 100:
		return 100, true
	}
	return n, false
}

type metadataPayload struct {
	Author    flexString   `json:"author"`
	CoAuthors []flexString `json:"co_authors"`
	BookType  flexString   `json:"booktype"`
	Language  flexString   `json:"language"`
	ISBN      flexString   `json:"isbn"`
	Publisher flexString   `json:"publisher"`
	WordCount flexInt      `json:"wordcount"`
	Topic     flexString   `json:"topic"`
	Chars     []flexString `json:"characters"`
	Locations []flexString `json:"location"`
}

func (frag *Fragment) fillMetadata(obj []byte) error {
	var p metadataPayload
	if err := json.Unmarshal(obj, &p); err != nil {
		return err
	}
	md := &domain.BookMetadata{
		Author:     cleanNotSpecified(string(p.Author)),
		BookType:   strings.ToLower(cleanNotSpecified(string(p.BookType))),
		Language:   cleanNotSpecified(string(p.Language)),
		ISBN:       cleanNotSpecified(string(p.ISBN)),
		Publisher:  cleanNotSpecified(string(p.Publisher)),
		Topic:      cleanNotSpecified(string(p.Topic)),
		WordCount:  p.WordCount.value,
		CoAuthors:  flexStrings(p.CoAuthors),
		Characters: flexStrings(p.Chars),
		Locations:  flexStrings(p.Locations),
	}
	frag.Metadata = md
	return nil
}

func cleanNotSpecified(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "not specified") {
		return ""
	}
	return s
}

func flexStrings(in []flexString) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		s := strings.TrimSpace(string(v))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

type sectionScorePayload struct {
	Section flexString `json:"section"`
	Score   flexInt    `json:"score"`
	Comment flexString `json:"comment"`
}

type initialReviewPayload struct {
	QualityScore      flexInt               `json:"ai_quality_score"`
	SectionScores     []sectionScorePayload `json:"section_scores"`
	SingleLineSummary flexString            `json:"single_line_summary"`
	ReviewSummary     flexString            `json:"review_summary"`
	FullReviewContent flexString            `json:"full_review_content"`
}

func (frag *Fragment) fillInitialReview(obj []byte) error {
	var p initialReviewPayload
	if err := json.Unmarshal(obj, &p); err != nil {
		return err
	}
	if p.QualityScore.set {
		score, clamped := clampScore(p.QualityScore.value)
		frag.QualityScore = &score
		frag.SuspectScore = frag.SuspectScore || clamped
	}
	frag.SectionScores = frag.normalizeSections(p.SectionScores)
	frag.SingleLineSummary = string(p.SingleLineSummary)
	frag.ReviewSummary = string(p.ReviewSummary)
	frag.FullReviewContent = string(p.FullReviewContent)
	return nil
}

func (frag *Fragment) normalizeSections(in []sectionScorePayload) []domain.SectionScore {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.SectionScore, 0, len(in))
	for _, s := range in {
		score, clamped := clampScore(s.Score.value)
		frag.SuspectScore = frag.SuspectScore || clamped
		out = append(out, domain.SectionScore{
			Section: string(s.Section),
			Score:   score,
			Comment: string(s.Comment),
		})
	}
	return out
}

type plagiarismPayload struct {
	Score   flexInt `json:"score"`
	Matches []struct {
		Source     flexString `json:"source"`
		Similarity flexString `json:"similarity"`
	} `json:"matches"`
}

type detailedReviewPayload struct {
	QualityScore     flexInt               `json:"ai_quality_score"`
	SectionScores    []sectionScorePayload `json:"section_scores"`
	DetailedSummary  flexString            `json:"detailed_summary"`
	FullBlurb        flexString            `json:"full_blurb"`
	PromotionalBlurb flexString            `json:"promotional_blurb"`
	ServiceNeeds     []struct {
		Category   flexString `json:"category"`
		Suggestion flexString `json:"suggestion"`
	} `json:"service_needs"`
	Plagiarism *plagiarismPayload `json:"plagiarism_details"`
}

func (frag *Fragment) fillDetailedReview(obj []byte) error {
	var p detailedReviewPayload
	if err := json.Unmarshal(obj, &p); err != nil {
		return err
	}
	if p.QualityScore.set {
		score, clamped := clampScore(p.QualityScore.value)
		frag.QualityScore = &score
		frag.SuspectScore = frag.SuspectScore || clamped
	}
	frag.SectionScores = frag.normalizeSections(p.SectionScores)
	frag.DetailedSummary = string(p.DetailedSummary)
	frag.FullBlurb = string(p.FullBlurb)
	frag.PromotionalBlurb = string(p.PromotionalBlurb)

	needs := make([]domain.ServiceNeed, 0, len(p.ServiceNeeds))
	for _, n := range p.ServiceNeeds {
		needs = append(needs, domain.ServiceNeed{
			Category:   string(n.Category),
			Suggestion: string(n.Suggestion),
		})
	}
	frag.ServiceNeeds = needs

	// Plagiarism details always normalize to a populated struct with a
	// non-nil matches slice.
	details := &domain.PlagiarismDetails{Matches: []domain.PlagiarismMatch{}}
	if p.Plagiarism != nil {
		score, clamped := clampScore(p.Plagiarism.Score.value)
		details.Score = score
		frag.SuspectScore = frag.SuspectScore || clamped
		for _, m := range p.Plagiarism.Matches {
			details.Matches = append(details.Matches, domain.PlagiarismMatch{
				Source:     string(m.Source),
				Similarity: string(m.Similarity),
			})
		}
	}
	frag.Plagiarism = details
	return nil
}
