package printer

import (
	"bytes"
	"testing"

	"github.com/dyluth/relay/pkg/transmission"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	prevOut, prevErr, prevColor := Stdout, Stderr, color.NoColor
	var out, errOut bytes.Buffer
	SetOutput(&out, &errOut)
	color.NoColor = true
	t.Cleanup(func() {
		Stdout, Stderr, color.NoColor = prevOut, prevErr, prevColor
	})
	return &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		capture(t)
		err := Error("Test Error", "This is a test error", []string{})
		require.Error(t, err)
		require.Equal(t, "Test Error", err.Error())
	})

	t.Run("single suggestion printed plainly", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{"Try this fix"})
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "Explanation\n\nTry this fix\n")
		assert.NotContains(t, errOut.String(), "Either:")
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{
			"First option",
			"Second option",
		})
		require.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	_, errOut := capture(t)
	err := ErrorWithContext("Test Error", "Explanation", map[string]string{"Transmission": "abc123"}, []string{"Fix it"})
	require.Equal(t, "Test Error", err.Error())
	assert.Contains(t, errOut.String(), "  Transmission: abc123\n")
	assert.Contains(t, errOut.String(), "Fix it\n")
}

func TestMessages(t *testing.T) {
	out, errOut := capture(t)

	Success("done\n")
	Success("✓ already marked\n")
	Step("leasing\n")
	Info("plain %d\n", 1)
	Warning("careful\n")

	assert.Equal(t, "✓ done\n✓ already marked\n→ leasing\nplain 1\n", out.String())
	assert.Equal(t, "⚠️  careful\n", errOut.String())
}

func TestStatus(t *testing.T) {
	capture(t)
	for _, s := range []transmission.Status{
		transmission.StatusCreated, transmission.StatusProcessing,
		transmission.StatusCompleted, transmission.StatusFailed,
	} {
		assert.Equal(t, string(s), Status(s))
	}
}
