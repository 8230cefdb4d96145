package driverblock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/pkg/transmission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, n int) *Registry {
	t.Helper()
	var b strings.Builder
	b.WriteString("blocks:\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "  - id: SR-%03d\n    version: \"1\"\n    title: block-%d\n    definition: \"forbid: phrase %d\"\n", i, i, i)
	}
	r, err := ParseRegistry([]byte(b.String()))
	require.NoError(t, err)
	return r
}

func refs(n int) []transmission.DriverBlockRef {
	out := make([]transmission.DriverBlockRef, n)
	for i := range out {
		out[i] = transmission.DriverBlockRef{ID: fmt.Sprintf("SR-%03d", i+1), Version: "1"}
	}
	return out
}

func inline(n int) []transmission.DriverBlockInline {
	out := make([]transmission.DriverBlockInline, n)
	for i := range out {
		out[i] = transmission.DriverBlockInline{ID: fmt.Sprintf("U-%d", i+1), Definition: "require: thanks"}
	}
	return out
}

func TestAssemble_BaselineOnly(t *testing.T) {
	a := NewAssembler(nil, LimitsFrom(config.Default().Limits), nil)
	res := a.Assemble(nil, nil, "")

	require.Len(t, res.Accepted, 5)
	for i, b := range res.Accepted {
		assert.Equal(t, fmt.Sprintf("DB-00%d", i+1), b.ID)
		assert.Equal(t, ProvenanceBaseline, b.Provenance)
		assert.Equal(t, i, b.Order)
	}
	assert.Empty(t, res.Dropped)
	assert.False(t, res.Mismatch)
	assert.Equal(t, "default", res.Mode)
}

func TestAssemble_BoundsInOrder(t *testing.T) {
	a := NewAssembler(testRegistry(t, 10), Limits{MaxInline: 3, MaxRefs: 5, MaxDefinitionBytes: 2000, MaxTotal: 6}, nil)
	res := a.Assemble(refs(10), inline(6), transmission.DriverBlockModeCustom)

	require.Len(t, res.Accepted, 11)
	for i, b := range res.Accepted {
		assert.Equal(t, i, b.Order)
	}
	var provenance []Provenance
	for _, b := range res.Accepted {
		provenance = append(provenance, b.Provenance)
	}
	assert.Equal(t, []Provenance{
		ProvenanceBaseline, ProvenanceBaseline, ProvenanceBaseline, ProvenanceBaseline, ProvenanceBaseline,
		ProvenanceSystemRef, ProvenanceSystemRef, ProvenanceSystemRef, ProvenanceSystemRef, ProvenanceSystemRef,
		ProvenanceInline,
	}, provenance)

	codes := map[string][]string{}
	for _, d := range res.Dropped {
		assert.False(t, IsBaseline(d.ID), "baseline block %s dropped", d.ID)
		assert.Contains(t, d.Reason, d.Code)
		codes[d.Code] = append(codes[d.Code], d.ID)
	}
	assert.Equal(t, []string{"U-4", "U-5", "U-6"}, codes[LimitMaxInline])
	assert.Equal(t, []string{"SR-006", "SR-007", "SR-008", "SR-009", "SR-010"}, codes[LimitMaxRefs])
	assert.Equal(t, []string{"U-2", "U-3"}, codes[LimitMaxTotalBlocks])
}

func TestAssemble_BaselineNeverDropped(t *testing.T) {
	a := NewAssembler(testRegistry(t, 20), Limits{MaxInline: 1, MaxRefs: 1, MaxDefinitionBytes: 5, MaxTotal: 1}, nil)
	res := a.Assemble(refs(20), inline(20), transmission.DriverBlockModeCustom)

	for _, id := range []string{NoAuthorityDrift, EvidenceBoundClaims, NoSecretEcho, IdentityHonesty, BoundedOutput} {
		found := false
		for _, b := range res.Accepted {
			if b.ID == id {
				found = true
				assert.Equal(t, ProvenanceBaseline, b.Provenance)
			}
		}
		assert.True(t, found, id)
	}
	for _, d := range res.Dropped {
		assert.False(t, IsBaseline(d.ID))
	}
	for _, tr := range res.Trimmed {
		assert.False(t, IsBaseline(tr.ID))
	}
	assert.Len(t, res.Accepted, 6)
}

func TestAssemble_TrimIsUTF8Safe(t *testing.T) {
	a := NewAssembler(nil, Limits{MaxDefinitionBytes: 2001}, nil)
	def := strings.Repeat("é", 1250)
	res := a.Assemble(nil, []transmission.DriverBlockInline{{ID: "U-1", Definition: def}}, transmission.DriverBlockModeCustom)

	require.Len(t, res.Trimmed, 1)
	tr := res.Trimmed[0]
	assert.Equal(t, 2500, tr.OriginalBytes)
	assert.Equal(t, 2000, tr.TrimmedBytes)
	assert.Contains(t, tr.Reason, LimitMaxDefinitionBytes)

	last := res.Accepted[len(res.Accepted)-1]
	assert.Equal(t, "U-1", last.ID)
	assert.True(t, utf8.ValidString(last.Definition))
	assert.Len(t, last.Definition, 2000)
}

func TestAssemble_DefaultModeMismatch(t *testing.T) {
	a := NewAssembler(nil, LimitsFrom(config.Default().Limits), nil)
	res := a.Assemble(refs(2), inline(1), transmission.DriverBlockModeDefault)

	assert.Len(t, res.Accepted, 5)
	assert.True(t, res.Mismatch)
	require.NotNil(t, res.MismatchDetails)
	assert.Equal(t, MismatchDetails{DroppedRefs: 2, DroppedInline: 1}, *res.MismatchDetails)
	assert.Len(t, res.Dropped, 3)

	md := res.Metadata()
	assert.Equal(t, true, md["mismatch"])
	assert.Equal(t, 2, md["dropped_refs"])
	assert.Equal(t, 1, md["dropped_inline"])
}

func TestAssemble_UnknownAndDuplicateRefs(t *testing.T) {
	a := NewAssembler(nil, LimitsFrom(config.Default().Limits), nil)
	res := a.Assemble(
		[]transmission.DriverBlockRef{
			{ID: "SR-001", Version: "1"},
			{ID: "SR-404", Version: "1"},
			{ID: "SR-005", Version: "1"},
			{ID: "SR-005", Version: "2"},
		},
		[]transmission.DriverBlockInline{{ID: "DB-001", Definition: "forbid: x"}},
		transmission.DriverBlockModeCustom,
	)

	require.Len(t, res.Dropped, 3)
	assert.Equal(t, ReasonUnknownRef, res.Dropped[0].Code)
	assert.Equal(t, "SR-404", res.Dropped[0].ID)
	assert.Equal(t, ReasonDuplicateID, res.Dropped[1].Code)
	assert.Equal(t, "SR-005", res.Dropped[1].ID)
	assert.Equal(t, ReasonDuplicateID, res.Dropped[2].Code)
	assert.Len(t, res.Accepted, 7)
}

func TestParseRules(t *testing.T) {
	r := ParseRules("Be kind.\nforbid: Guaranteed Returns\nrequire: disclaimer\nmax_chars: 200\nmax_chars: nope\nnote: ignored")
	assert.Equal(t, []string{"guaranteed returns"}, r.Forbid)
	assert.Equal(t, []string{"disclaimer"}, r.Require)
	assert.Equal(t, 200, r.MaxChars)
	assert.False(t, r.Empty())
	assert.True(t, ParseRules("just prose").Empty())

	assert.Equal(t, "Be kind.\nnote: ignored", Prose("Be kind.\nforbid: x\n\nnote: ignored"))
}

func TestBaselineRulesParse(t *testing.T) {
	for _, b := range Baseline() {
		switch b.ID {
		case NoAuthorityDrift, IdentityHonesty:
			assert.NotEmpty(t, ParseRules(b.Definition).Forbid, b.ID)
		case BoundedOutput:
			assert.Equal(t, 12000, ParseRules(b.Definition).MaxChars)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	b, ok := r.Lookup("SR-002", "1")
	require.True(t, ok)
	assert.Equal(t, ProvenanceSystemRef, b.Provenance)
	assert.Contains(t, ParseRules(b.Definition).Forbid, "lol")

	_, ok = r.Lookup("SR-002", "9")
	assert.False(t, ok)

	list := r.List()
	require.NotEmpty(t, list)
	assert.Equal(t, "SR-001", list[0].ID)
}

func TestLoadRegistry(t *testing.T) {
	r, err := LoadRegistry("")
	require.NoError(t, err)
	assert.NotEmpty(t, r.List())

	path := filepath.Join(t.TempDir(), "blocks.yaml")
	require.NoError(t, os.WriteFile(path, []byte("blocks:\n  - id: X-1\n    version: \"3\"\n    title: x\n    definition: \"forbid: y\"\n"), 0o644))
	r, err = LoadRegistry(path)
	require.NoError(t, err)
	_, ok := r.Lookup("X-1", "3")
	assert.True(t, ok)

	_, err = LoadRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRegistry_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown field": "blocks:\n  - id: X\n    version: \"1\"\n    definition: d\n    colour: red\n",
		"missing id":    "blocks:\n  - version: \"1\"\n    definition: d\n",
		"reserved id":   "blocks:\n  - id: DB-001\n    version: \"1\"\n    definition: d\n",
		"duplicate":     "blocks:\n  - id: X\n    version: \"1\"\n    definition: d\n  - id: X\n    version: \"1\"\n    definition: e\n",
		"no definition": "blocks:\n  - id: X\n    version: \"1\"\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(doc))
			assert.Error(t, err)
		})
	}
}
