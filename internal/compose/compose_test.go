package compose

import (
	"context"
	"testing"

	"github.com/dyluth/relay/internal/driverblock"
	"github.com/dyluth/relay/internal/gates"
	"github.com/dyluth/relay/pkg/evidence"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompose(t *testing.T) {
	sink := &trace.MemorySink{}
	rec := trace.NewRecorder(trace.Run{ID: "r", TransmissionID: "tx"}, sink)

	st := gates.NewState("tx", &transmission.Packet{ThreadID: "t", Message: "raw"}, transmission.ModeDecision{})
	st.Message = "what does the source say?"
	st.Evidence = &evidence.Graph{
		Captures: []evidence.Capture{{ID: "c1", Snippet: "x"}},
		Supports: []evidence.Support{{ID: "s2", CaptureID: "c1"}, {ID: "s1", CaptureID: "c1"}},
	}
	st.Lattice = []gates.LatticeItem{{Origin: "current", Kind: "capture", ID: "c1", Text: "x"}}

	blocks := driverblock.Baseline()
	req := Compose(context.Background(), rec, Input{State: st, Blocks: blocks})

	assert.Equal(t, "what does the source say?", req.User)
	assert.Equal(t, 0, req.Attempt)
	assert.Equal(t, []string{"s1", "s2"}, req.SupportIDs)
	assert.Contains(t, req.System, "[DB-001] no-authority-drift")
	assert.Contains(t, req.System, `never write "i have sent"`)
	assert.Contains(t, req.System, "at most 12000 characters")
	assert.Contains(t, req.System, "s1, s2")
	assert.Contains(t, req.System, "(current capture c1) x")
	assert.NotContains(t, req.System, "previous response was rejected")

	e, ok := sink.ByPhase(trace.PhaseComposeRequest)
	require.True(t, ok)
	assert.Equal(t, 0, e.Metadata["attempt"])
	assert.Equal(t, 5, e.Metadata["blocks"])
	assert.Equal(t, false, e.Metadata["corrective"])
}

func TestCompose_Corrective(t *testing.T) {
	rec := trace.NewRecorder(trace.Run{ID: "r"}, nil)
	st := gates.NewState("tx", &transmission.Packet{ThreadID: "t", Message: "hi"}, transmission.ModeDecision{})
	st.Risk = gates.Risk{Level: gates.RiskElevated, Flags: []string{gates.FlagCredentialExposure}}

	req := Compose(context.Background(), rec, Input{
		State:      st,
		Blocks:     driverblock.Baseline(),
		Attempt:    1,
		Corrective: []string{"[DB-001] remove \"i have sent\""},
	})

	assert.Equal(t, 1, req.Attempt)
	assert.Contains(t, req.System, "previous response was rejected")
	assert.Contains(t, req.System, `[DB-001] remove "i have sent"`)
	assert.Contains(t, req.System, "do not include claims")
	assert.Contains(t, req.System, "Risk: elevated (credential_exposure)")
	assert.Equal(t, true, rec.Events()[0].Metadata["corrective"])
}
