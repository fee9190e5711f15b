package subtitle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCJK(t *testing.T) {
	assert.True(t, IsCJK("你好世界"))
	assert.True(t, IsCJK("こんにちは world"))
	assert.False(t, IsCJK("hello world"))
	assert.False(t, IsCJK("123"))
}

func TestSplitEnglish(t *testing.T) {
	segs := []Segment{{Start: 0, End: 10, Text: "one two three four five six seven eight nine ten"}}
	got := Split(segs, Budget{MaxCJK: 25, MaxEnglish: 4})
	require.Len(t, got, 3)
	assert.Equal(t, "one two three four", got[0].Text)
	assert.Equal(t, "nine ten", got[2].Text)
	assert.InDelta(t, 0.0, got[0].Start, 1e-9)
	assert.InDelta(t, 4.0, got[0].End, 1e-9)
	assert.InDelta(t, 10.0, got[2].End, 1e-9)
}

func TestSplitCJK(t *testing.T) {
	segs := []Segment{{Start: 1, End: 2, Text: "一二三四五六"}}
	got := Split(segs, Budget{MaxCJK: 3, MaxEnglish: 20})
	require.Len(t, got, 2)
	assert.Equal(t, "一二三", got[0].Text)
	assert.Equal(t, "四五六", got[1].Text)
}

func TestSplitKeepsShortAndDropsEmpty(t *testing.T) {
	segs := []Segment{{Text: "  short line "}, {Text: "   "}}
	got := Split(segs, Budget{MaxCJK: 25, MaxEnglish: 20})
	require.Len(t, got, 1)
	assert.Equal(t, "short line", got[0].Text)
}

func TestRenderSRT(t *testing.T) {
	out := RenderSRT([]Segment{
		{Start: 0, End: 1.5, Text: "Hello"},
		{Start: 3661.25, End: 3662, Text: "World", Translation: "世界"},
	})
	want := "1\n00:00:00,000 --> 00:00:01,500\nHello\n\n" +
		"2\n01:01:01,250 --> 01:01:02,000\nWorld\n世界\n\n"
	assert.Equal(t, want, out)
}
