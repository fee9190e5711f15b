// Package subtitle holds the transcript model and the pure line-splitting
// and SRT rendering used by the subtitle stage.
package subtitle

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Segment is one timed span of recognized speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	// Translation is filled by the subtitle stage when translating.
	Translation string `json:"translation,omitempty"`
}

// Transcript is the ASR engine output.
type Transcript struct {
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

// Budget limits how long a single subtitle line may be.
type Budget struct {
	MaxCJK     int
	MaxEnglish int
}

// IsCJK reports whether most letters in s are Han, Hiragana, Katakana or Hangul.
func IsCJK(s string) bool {
	var cjk, other int
	for _, r := range s {
		switch {
		case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul):
			cjk++
		case unicode.IsLetter(r):
			other++
		}
	}
	return cjk > 0 && cjk >= other
}

// Split breaks segments whose text exceeds the budget into evenly sized
// pieces, distributing the segment's time span by text length.
func Split(segs []Segment, b Budget) []Segment {
	out := make([]Segment, 0, len(segs))
	for _, s := range segs {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		var units []string
		var sep string
		limit := b.MaxEnglish
		if IsCJK(text) {
			for _, r := range text {
				if !unicode.IsSpace(r) {
					units = append(units, string(r))
				}
			}
			limit = b.MaxCJK
		} else {
			units = strings.Fields(text)
			sep = " "
		}
		if limit <= 0 || len(units) <= limit {
			s.Text = text
			out = append(out, s)
			continue
		}

		pieces := (len(units) + limit - 1) / limit
		per := (len(units) + pieces - 1) / pieces
		span := s.End - s.Start
		for i := 0; i < len(units); i += per {
			j := min(i+per, len(units))
			out = append(out, Segment{
				Start: s.Start + span*float64(i)/float64(len(units)),
				End:   s.Start + span*float64(j)/float64(len(units)),
				Text:  strings.Join(units[i:j], sep),
			})
		}
	}
	return out
}

// RenderSRT writes segments in SubRip format. Translated segments render
// the translation under the original line.
func RenderSRT(segs []Segment) string {
	var b strings.Builder
	for i, s := range segs {
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n", i+1, timestamp(s.Start), timestamp(s.End), s.Text)
		if s.Translation != "" {
			b.WriteString(s.Translation)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func timestamp(sec float64) string {
	d := time.Duration(sec * float64(time.Second)).Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, d/time.Millisecond)
}
