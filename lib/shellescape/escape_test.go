package shellescape

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteEmptyString(t *testing.T) {
	assert.Equal(t, "''", Quote(""))
}

func TestQuoteEscapesEmbeddedSingleQuotes(t *testing.T) {
	assert.Equal(t, `'it'\''s'`, Quote("it's"))
}

func TestQuotePlainString(t *testing.T) {
	assert.Equal(t, "'hello world'", Quote("hello world"))
}

func TestQuoteAllJoinsWithSpaces(t *testing.T) {
	assert.Equal(t, "'a' 'b c' ''", QuoteAll("a", "b c", ""))
}

func TestCheckWellFormedAcceptsBalancedQuoting(t *testing.T) {
	assert.NoError(t, CheckWellFormed("ls -la /tmp"))
	assert.NoError(t, CheckWellFormed(`echo "hello world"`))
}

func TestCheckWellFormedRejectsUnbalancedQuoting(t *testing.T) {
	err := CheckWellFormed(`echo "unterminated`)
	assert.Error(t, err)
}
