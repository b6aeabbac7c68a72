// Package customapi dispatches requests to user-configured
// OpenAI-compatible or Claude-compatible endpoints, per spec §4.2.4.
// Unlike the Amazon Q and Gemini channels it has no fixed upstream shape;
// the account configuration picks which wire format to speak.
package customapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/brightweave/aqrelay/internal/claude"
	"github.com/brightweave/aqrelay/internal/providers/openai"
	"github.com/klauspost/compress/zstd"
)

// Format selects the wire shape a custom_api account's upstream expects.
type Format string

const (
	// FormatOpenAI speaks the OpenAI chat-completions shape.
	FormatOpenAI Format = "openai"
	// FormatClaude passes the canonical Anthropic Messages shape straight
	// through, since some custom_api upstreams are themselves
	// Claude-compatible reverse proxies.
	FormatClaude Format = "claude"
)

// BuildRequest renders req in the wire shape the given format expects.
func BuildRequest(req *claude.Request, format Format, openaiOpts openai.Options) (json.RawMessage, error) {
	switch format {
	case FormatOpenAI:
		built, err := openai.Build(req, openaiOpts)
		if err != nil {
			return nil, err
		}
		return json.Marshal(built)
	case FormatClaude:
		return json.Marshal(req)
	default:
		return nil, fmt.Errorf("customapi: unknown format %q", format)
	}
}

// DecompressBody transparently inflates a zstd-compressed response body,
// which some claude-format custom_api upstreams emit regardless of the
// client's Accept-Encoding, per spec §4.2.4. Any other (or absent)
// encoding is returned unchanged.
func DecompressBody(body []byte, contentEncoding string) ([]byte, error) {
	if contentEncoding != "zstd" {
		return body, nil
	}
	dec, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("customapi: zstd reader: %w", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("customapi: zstd decompress: %w", err)
	}
	return out, nil
}
