package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dyluth/relay/internal/intake"
	"github.com/dyluth/relay/pkg/transmission"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useSQLite points every command in the test at one fresh SQLite database, so state
// survives between invocations.
func useSQLite(t *testing.T) {
	t.Helper()
	t.Setenv("RELAY_STORE_BACKEND", "sqlite")
	t.Setenv("RELAY_SQLITE_PATH", filepath.Join(t.TempDir(), "relay.db"))
	t.Setenv("RELAY_MODEL_PROVIDER", "echo")
	t.Setenv("RELAY_REGISTRY_PATH", "")

	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// lastJSON decodes the pretty-printed JSON object that ends the output.
func lastJSON(t *testing.T, out string) intake.Response {
	t.Helper()
	start := strings.Index(out, "{\n")
	require.GreaterOrEqual(t, start, 0, "no JSON in output: %s", out)
	var resp intake.Response
	require.NoError(t, json.Unmarshal([]byte(out[start:]), &resp))
	return resp
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	out, _, err := run(t, "")
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	for _, sub := range []string{"submit", "get", "list", "trace", "watch", "work", "blocks"} {
		assert.Contains(t, out, sub)
	}
}

func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	_, _, err := run(t, "", "--goal", "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestSubmitProcessGetTrace(t *testing.T) {
	useSQLite(t)

	packet := filepath.Join(t.TempDir(), "packet.json")
	require.NoError(t, os.WriteFile(packet, []byte(`{"threadId":"t1","message":"hello there"}`), 0o644))

	out, _, err := run(t, "", "submit", packet, "--process")
	require.NoError(t, err)
	assert.Contains(t, out, "queued (chat)")

	resp := lastJSON(t, out)
	assert.Equal(t, transmission.StatusCompleted, resp.Status)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, resp.Text, "hello there")
	require.NotNil(t, resp.Envelope)
	assert.Equal(t, 5, resp.DriverBlocks.Accepted)

	short := resp.TransmissionID[:8]

	t.Run("get by short id", func(t *testing.T) {
		out, _, err := run(t, "", "get", short)
		require.NoError(t, err)
		assert.Equal(t, resp.TransmissionID, lastJSON(t, out).TransmissionID)
	})

	t.Run("list", func(t *testing.T) {
		out, _, err := run(t, "", "list", "--status=completed", "--since=1h")
		require.NoError(t, err)
		assert.Contains(t, out, short)
		assert.Contains(t, out, "1 transmission found")
	})

	t.Run("list jsonl", func(t *testing.T) {
		out, _, err := run(t, "", "list", "-o", "jsonl", "--thread=t1")
		require.NoError(t, err)
		var tx transmission.Transmission
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &tx))
		assert.Equal(t, resp.TransmissionID, tx.ID)
	})

	t.Run("trace", func(t *testing.T) {
		out, _, err := run(t, "", "trace", short)
		require.NoError(t, err)
		assert.Contains(t, out, "normalize")
		assert.Contains(t, out, "render")
	})

	t.Run("unknown id", func(t *testing.T) {
		_, errOut, err := run(t, "", "get", "ffffffff")
		require.Error(t, err)
		assert.Contains(t, errOut, "not found")
	})
}

func TestSubmit_Duplicate(t *testing.T) {
	useSQLite(t)
	packet := `{"threadId":"t1","message":"hi","clientRequestId":"req-1"}`

	first, _, err := run(t, packet, "submit", "-", "--quiet")
	require.NoError(t, err)
	second, _, err := run(t, packet, "submit", "--quiet")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSubmit_RejectsFaults(t *testing.T) {
	useSQLite(t)

	_, errOut, err := run(t, `{"threadId":"t1","message":"hi","colour":"red"}`, "submit")
	require.Error(t, err)
	assert.Equal(t, "packet rejected: unknown_fields", err.Error())
	assert.Contains(t, errOut, "colour")
}

func TestWorkOnce(t *testing.T) {
	useSQLite(t)

	for _, msg := range []string{"one", "two"} {
		_, _, err := run(t, `{"threadId":"t1","message":"`+msg+`"}`, "submit", "-q")
		require.NoError(t, err)
	}

	out, _, err := run(t, "", "work", "--once")
	require.NoError(t, err)
	assert.Contains(t, out, "Processed 2 transmissions")

	out, _, err = run(t, "", "list", "--status=created")
	require.NoError(t, err)
	assert.Contains(t, out, "No transmissions found")
}

func TestList_InvalidFilters(t *testing.T) {
	useSQLite(t)

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"list", "--status=done"}, "invalid status filter"},
		{[]string{"list", "--kind=email"}, "invalid kind filter"},
		{[]string{"list", "--since=soon"}, "invalid time filter"},
		{[]string{"list", "-o", "xml"}, "invalid output format"},
	}
	for _, tt := range tests {
		_, _, err := run(t, "", tt.args...)
		require.Error(t, err)
		assert.Equal(t, tt.want, err.Error())
	}
}

func TestBlocks(t *testing.T) {
	useSQLite(t)

	out, _, err := run(t, "", "blocks")
	require.NoError(t, err)
	assert.Contains(t, out, "DB-001")
	assert.Contains(t, out, "system_baseline")
	assert.Contains(t, out, "SR-001")
	assert.Contains(t, out, "system_ref")

	out, _, err = run(t, "", "blocks", "-o", "jsonl")
	require.NoError(t, err)
	assert.Equal(t, 5+7, strings.Count(strings.TrimSpace(out), "\n")+1)
}
