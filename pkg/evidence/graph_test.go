package evidence

import (
	"testing"

	"github.com/dyluth/relay/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validGraph() *Graph {
	return &Graph{
		Captures: []Capture{{ID: "c1", URL: "https://example.com/a", Snippet: "alpha"}},
		Supports: []Support{
			{ID: "s1", CaptureID: "c1"},
			{ID: "s2", Snippet: "inline beta"},
		},
		Claims: []Claim{{ID: "k1", Text: "alpha is true", SupportIDs: []string{"s1", "s2"}}},
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts valid graph", func(t *testing.T) {
		assert.NoError(t, validGraph().Validate(Limits{MaxCaptures: 5, MaxSupports: 5, MaxClaims: 5}))
	})

	t.Run("nil graph is valid", func(t *testing.T) {
		var g *Graph
		assert.NoError(t, g.Validate(Limits{}))
	})

	t.Run("support citing unknown capture", func(t *testing.T) {
		g := validGraph()
		g.Supports = append(g.Supports, Support{ID: "s3", CaptureID: "missing"})

		err := g.Validate(Limits{})
		f, ok := fault.As(err)
		require.True(t, ok)
		assert.Equal(t, fault.CodeOrphanedCaptureRef, f.Code)
		assert.Equal(t, []string{"missing"}, f.Details["ids"])
		assert.Equal(t, 400, f.StatusCode)
	})

	t.Run("claim citing unknown support", func(t *testing.T) {
		g := validGraph()
		g.Claims[0].SupportIDs = []string{"s1", "nope", "also-nope"}

		err := g.Validate(Limits{})
		f, ok := fault.As(err)
		require.True(t, ok)
		assert.Equal(t, fault.CodeOrphanedSupportRef, f.Code)
		assert.Equal(t, []string{"also-nope", "nope"}, f.Details["ids"])
	})

	t.Run("support with both capture and snippet", func(t *testing.T) {
		g := validGraph()
		g.Supports[0].Snippet = "both"
		assert.True(t, fault.Is(g.Validate(Limits{}), fault.CodeInvalidSupportSource))
	})

	t.Run("support with neither capture nor snippet", func(t *testing.T) {
		g := validGraph()
		g.Supports[1].Snippet = ""
		assert.True(t, fault.Is(g.Validate(Limits{}), fault.CodeInvalidSupportSource))
	})

	t.Run("claim without supports", func(t *testing.T) {
		g := validGraph()
		g.Claims[0].SupportIDs = nil
		assert.True(t, fault.Is(g.Validate(Limits{}), fault.CodeEmptyClaimSupport))
	})

	t.Run("duplicate capture id", func(t *testing.T) {
		g := validGraph()
		g.Captures = append(g.Captures, Capture{ID: "c1", URL: "https://other"})
		assert.True(t, fault.Is(g.Validate(Limits{}), fault.CodeDuplicateEvidenceID))
	})

	t.Run("capture count overflow carries count and limit", func(t *testing.T) {
		g := validGraph()
		g.Captures = append(g.Captures, Capture{ID: "c2"}, Capture{ID: "c3"})

		f, ok := fault.As(g.Validate(Limits{MaxCaptures: 2}))
		require.True(t, ok)
		assert.Equal(t, fault.CodeCaptureCountOverflow, f.Code)
		assert.Equal(t, 3, f.Details["count"])
		assert.Equal(t, 2, f.Details["max"])
	})

	t.Run("support and claim overflow", func(t *testing.T) {
		assert.True(t, fault.Is(validGraph().Validate(Limits{MaxSupports: 1}), fault.CodeSupportCountOverflow))
		g := validGraph()
		g.Claims = append(g.Claims, Claim{ID: "k2", SupportIDs: []string{"s1"}})
		assert.True(t, fault.Is(g.Validate(Limits{MaxClaims: 1}), fault.CodeClaimCountOverflow))
	})

	t.Run("snippet size overflow", func(t *testing.T) {
		assert.True(t, fault.Is(validGraph().Validate(Limits{MaxSnippetBytes: 3}), fault.CodeSnippetSizeOverflow))
	})
}

func TestMergeAutoCaptures(t *testing.T) {
	t.Run("client capture wins for same URL", func(t *testing.T) {
		client := &Graph{Captures: []Capture{{ID: "mine", URL: "https://Example.com/a/", Snippet: "client text"}}}

		merged := MergeAutoCaptures(client, []string{"https://example.com/a", "https://example.com/b"})

		require.Len(t, merged.Captures, 2)
		assert.Equal(t, "mine", merged.Captures[0].ID)
		assert.Equal(t, "client text", merged.Captures[0].Snippet)
		assert.Equal(t, SourceClient, merged.Captures[0].Source)
		assert.Equal(t, SourceAutoURL, merged.Captures[1].Source)
		assert.Equal(t, "https://example.com/b", merged.Captures[1].URL)
	})

	t.Run("auto ids are stable and deduplicated", func(t *testing.T) {
		merged := MergeAutoCaptures(nil, []string{"https://x.io/p#frag", "https://X.io/p"})
		require.Len(t, merged.Captures, 1)
		assert.Equal(t, AutoCaptureID(NormalizeURL("https://x.io/p")), merged.Captures[0].ID)
	})

	t.Run("does not mutate client graph", func(t *testing.T) {
		client := &Graph{Captures: []Capture{{ID: "c", URL: "https://a.b"}}}
		_ = MergeAutoCaptures(client, []string{"https://c.d"})
		assert.Len(t, client.Captures, 1)
		assert.Equal(t, CaptureSource(""), client.Captures[0].Source)
	})
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, Summary{Captures: 1, Supports: 2, Claims: 1}, validGraph().Summarize())
	var g *Graph
	assert.Equal(t, Summary{}, g.Summarize())
	assert.True(t, g.Empty())
}
