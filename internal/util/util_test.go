package util

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		maxLen        int
		preserveWords bool
		want          string
	}{
		{"short input untouched", "Heat", 10, false, "Heat"},
		{"hard cut", "The Matrix Reloaded", 10, false, "The Mat..."},
		{"word boundary", "The Matrix Reloaded", 14, true, "The Matrix..."},
		{"tiny limit", "The Matrix", 2, false, ".."},
		{"zero limit", "The Matrix", 0, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateString(tt.input, tt.maxLen, tt.preserveWords))
		})
	}
}

func TestTruncateStringUTF8(t *testing.T) {
	out := TruncateString("千と千尋の神隠し 完全版 特別編集", 8, true)
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, utf8.RuneCountInString(out), 8)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 2, EstimateTokens("千と千尋の"))
}

func TestParseSelection(t *testing.T) {
	tests := []struct {
		reply     string
		wantN     int
		wantLooks bool
	}{
		{"2", 2, true},
		{"#2", 2, true},
		{"option 2", 2, true},
		{"2.", 2, true},
		{" Option #3 ", 3, true},
		{"the second one", 2, true},
		{"5", 5, true},
		{"option", 0, true},
		{"No. 2", 2, true},
		{"no", 0, false},
		{"No!", 0, false},
		{"1, 2", 0, true},
		{"who directed heat", 0, false},
		{"2 please tell me the price", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			n, looks := ParseSelection(tt.reply)
			assert.Equal(t, tt.wantN, n)
			assert.Equal(t, tt.wantLooks, looks)
		})
	}
}
