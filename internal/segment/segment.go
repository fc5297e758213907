// Package segment splits document text into synthesizable units whose file
// names sort lexically in logical document order.
package segment

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxRunes is the per-request length limit imposed by the
	// synthesis service.
	DefaultMaxRunes = 500

	defaultLineDelimiter     = "\r\n"
	defaultSentenceDelimiter = "。"
)

// Segment is one synthesizable unit of a document. Primary is the position
// of the source line within the document; Secondary is the sub-split
// position when the line exceeded the length limit.
type Segment struct {
	Primary   int
	Secondary int
	Sub       bool
	Text      string
}

// FileName encodes the segment position with zero-padded fixed-width
// indices. Merge concatenates files in directory-listing order, so the
// lexical order of these names must equal logical document order.
func (s Segment) FileName(docID, ext string) string {
	if s.Sub {
		return fmt.Sprintf("%s-%04d-%04d%s", docID, s.Primary, s.Secondary, ext)
	}
	return fmt.Sprintf("%s-%04d%s", docID, s.Primary, ext)
}

// Segmenter splits decoded document text.
type Segmenter struct {
	MaxRunes          int
	LineDelimiter     string
	SentenceDelimiter string
}

// New returns a Segmenter with the given length limit; zero or negative
// falls back to DefaultMaxRunes.
func New(maxRunes int) Segmenter {
	if maxRunes <= 0 {
		maxRunes = DefaultMaxRunes
	}
	return Segmenter{
		MaxRunes:          maxRunes,
		LineDelimiter:     defaultLineDelimiter,
		SentenceDelimiter: defaultSentenceDelimiter,
	}
}

// Split turns document text into ordered segments. Lines at or under the
// limit become one segment each. An oversized line is split on the sentence
// delimiter and each part keeps its positional secondary index; the parts
// are not re-validated against the limit, an oversized sentence is forwarded
// as-is. Whitespace-only lines and parts are skipped while still consuming
// their index.
func (sg Segmenter) Split(text string) []Segment {
	var segments []Segment
	for primary, line := range strings.Split(text, sg.LineDelimiter) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if utf8.RuneCountInString(line) <= sg.MaxRunes {
			segments = append(segments, Segment{Primary: primary, Text: line})
			continue
		}
		for secondary, part := range strings.Split(line, sg.SentenceDelimiter) {
			if strings.TrimSpace(part) == "" {
				continue
			}
			segments = append(segments, Segment{
				Primary:   primary,
				Secondary: secondary,
				Sub:       true,
				Text:      part,
			})
		}
	}
	return segments
}
