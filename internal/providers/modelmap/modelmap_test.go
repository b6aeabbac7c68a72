package modelmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAmazonQTarget(t *testing.T) {
	cases := map[string]string{
		"claude-sonnet-4.6":        "claude-sonnet-4.6",
		"claude-sonnet-4-6":        "claude-sonnet-4.6",
		"claude-sonnet-4.5":        "claude-sonnet-4.5",
		"claude-opus-4.5":          "claude-opus-4.5",
		"claude-opus-4":            "claude-opus-4.6",
		"opus":                     "claude-opus-4.6",
		"claude-haiku-4.5":         "claude-haiku-4.5",
		"gpt-4o":                   "claude-sonnet-4.5",
		"some-unknown-model-name":  "claude-sonnet-4.5",
	}
	for in, want := range cases {
		assert.Equal(t, want, AmazonQTarget(in), "input=%s", in)
	}
}
