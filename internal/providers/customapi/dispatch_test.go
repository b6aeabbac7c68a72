package customapi

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/brightweave/aqrelay/internal/claude"
	"github.com/brightweave/aqrelay/internal/providers/openai"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

func TestBuildRequest_ClaudeFormatPassesThrough(t *testing.T) {
	req := &claude.Request{Model: "claude-sonnet-4.5", MaxTokens: 100}
	out, err := BuildRequest(req, FormatClaude, openai.Options{})
	require.NoError(t, err)
	var roundTrip claude.Request
	require.NoError(t, json.Unmarshal(out, &roundTrip))
	require.Equal(t, req.Model, roundTrip.Model)
}

func TestBuildRequest_OpenAIFormatTranslates(t *testing.T) {
	content, _ := json.Marshal("hi")
	req := &claude.Request{
		Model:    "gpt-4o",
		Messages: []claude.Message{{Role: "user", Content: content}},
	}
	out, err := BuildRequest(req, FormatOpenAI, openai.Options{})
	require.NoError(t, err)
	var built openai.Request
	require.NoError(t, json.Unmarshal(out, &built))
	require.Equal(t, "gpt-4o", built.Model)
}

func TestBuildRequest_UnknownFormatErrors(t *testing.T) {
	_, err := BuildRequest(&claude.Request{}, Format("bogus"), openai.Options{})
	require.Error(t, err)
}

func TestDecompressBody_PassesThroughWithoutZstdEncoding(t *testing.T) {
	out, err := DecompressBody([]byte("plain text"), "")
	require.NoError(t, err)
	require.Equal(t, "plain text", string(out))
}

func TestDecompressBody_InflatesZstd(t *testing.T) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write([]byte(`{"hello":"world"}`))
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	out, err := DecompressBody(buf.Bytes(), "zstd")
	require.NoError(t, err)
	require.JSONEq(t, `{"hello":"world"}`, string(out))
}
