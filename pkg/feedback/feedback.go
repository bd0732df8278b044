// Package feedback extracts the numeric grade and coaching text from a
// completed training-session transcript.
//
// The coaching model is instructed to embed its rating as "**Rating: X/10**",
// but real transcripts drift from that format, so extraction runs a priority
// ladder of patterns and falls back to 100-point scores. Extraction is a pure
// function of the transcript: the same input always yields the same result.
package feedback

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// UngradedDisplay is the display value used when a transcript carries no
// usable rating.
const UngradedDisplay = "Not graded"

// TrainingFeedback is the result of analyzing one completed transcript.
type TrainingFeedback struct {
	// Grade is the extracted rating on the 1-10 scale. Only meaningful
	// when Graded is true.
	Grade int `json:"grade"`

	// Graded reports whether a rating was found.
	Graded bool `json:"graded"`

	// Feedback is the full transcript text, unmodified.
	Feedback string `json:"feedback"`
}

// GradeDisplay renders the grade for display, e.g. "7/10" or "Not graded".
func (f TrainingFeedback) GradeDisplay() string {
	if !f.Graded {
		return UngradedDisplay
	}
	return fmt.Sprintf("%d/10", f.Grade)
}

// Patterns are matched against the lowercased transcript, most specific
// first. The first match whose captured value lies in [1,10] wins; an
// out-of-range capture moves on to the next pattern.
var gradePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\*\*rating[:\s]*(\d{1,2})/10\*\*`),
	regexp.MustCompile(`rating[:\s]*(\d{1,2})/10`),
	regexp.MustCompile(`rating[:\s]*(\d{1,2})`),
	regexp.MustCompile(`rate[:\s]*(\d{1,2})`),
	regexp.MustCompile(`score[:\s]*(\d{1,2})`),
	regexp.MustCompile(`grade[:\s]*(\d{1,2})`),
	regexp.MustCompile(`(\d{1,2})\s*out\s*of\s*10`),
	regexp.MustCompile(`(\d{1,2})/10`),
	regexp.MustCompile(`(\d{1,2})\s*of\s*10`),
}

// Fallback for transcripts that grade on a 100-point scale.
var percentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(\d{1,3})%`),
	regexp.MustCompile(`(\d{1,3})\s*out\s*of\s*100`),
	regexp.MustCompile(`(\d{1,3})/100`),
}

// Extract analyzes a completed transcript and returns the grade embedded in
// it, if any, together with the transcript itself as the feedback text. A
// transcript with no recognizable rating yields Graded == false; callers
// should then publish UngradedDisplay rather than leaving a stale value.
func Extract(transcript string) TrainingFeedback {
	fb := TrainingFeedback{Feedback: transcript}
	lower := strings.ToLower(transcript)

	for _, re := range gradePatterns {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if n >= 1 && n <= 10 {
			fb.Grade = n
			fb.Graded = true
			return fb
		}
	}

	for _, re := range percentPatterns {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		p, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if p >= 0 && p <= 100 {
			g := int(math.Round(float64(p) / 10))
			if g < 1 {
				g = 1
			}
			if g > 10 {
				g = 10
			}
			fb.Grade = g
			fb.Graded = true
			return fb
		}
	}

	return fb
}
