package telegram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postbot/pkg/logx"
)

func TestSplitTextShort(t *testing.T) {
	assert.Equal(t, []string{"hello"}, splitText("hello", 10))
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	in := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	got := splitText(in, 10)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, got)
}

func TestSplitTextRuneSafe(t *testing.T) {
	in := strings.Repeat("é", 25)
	got := splitText(in, 10)
	require.Len(t, got, 3)
	for _, c := range got {
		assert.LessOrEqual(t, len([]rune(c)), 10)
	}
	assert.Equal(t, in, strings.Join(got, ""))
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{Token: "  "}, logx.Nop())
	require.Error(t, err)

	s, err := New(Config{Token: "123:abc"}, logx.Nop())
	require.NoError(t, err)
	assert.NotNil(t, s)
}
