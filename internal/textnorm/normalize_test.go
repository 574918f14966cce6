package textnorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// ============================================================================
// Normalize
// ============================================================================

func TestNormalize_TrimsAndCollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "刹车 发软", Normalize("  刹车   发软\t\n"))
}

func TestNormalize_FoldsFullwidthForms(t *testing.T) {
	// U+3000 ideographic space and fullwidth ASCII both fold to halfwidth.
	assert.Equal(t, "ABS (1)", Normalize("ａｂｓ　（１）"))
}

func TestNormalize_LowersASCIIOnly(t *testing.T) {
	got := Normalize("Brake踏板SOFT")
	assert.Equal(t, "brake踏板soft", got)
}

func TestNormalize_RewritesMisspellings(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"spaced pinyin", "fa men 卡滞", "阀门 卡滞"},
		{"squashed pinyin", "famen卡滞", "阀门卡滞"},
		{"spaced phrase", "底盘 you yi xiang", "底盘 有异响"},
		{"squashed phrase", "底盘youyixiang", "底盘有异响"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.input))
		})
	}
}

func TestNormalize_RestoresAcronyms(t *testing.T) {
	// Given mixed-case acronyms adjacent to CJK text
	// When normalized
	// Then the canonical upper-case form comes back, word-bounded.
	assert.Equal(t, "ABS故障灯亮", Normalize("Abs故障灯亮"))
	assert.Equal(t, "ESP 报警", Normalize("esp　报警"))
	assert.Equal(t, "EPB拉不起", Normalize("EPB拉不起"))

	// "absent" contains "abs" but must not be rewritten.
	assert.Equal(t, "absent light", Normalize("absent LIGHT"))
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"  ＡＢＳ　故障灯亮  ",
		"fa men 卡滞 youyixiang",
		"刹车发软 车身发飘",
		"Esp OFF 灯常亮",
		"",
		"   ",
	}

	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "not idempotent for %q", in)
	}
}

func TestNormalize_EmptyInput(t *testing.T) {
	assert.Equal(t, "", Normalize(""))
	assert.Equal(t, "", Normalize(" \t　 "))
}
