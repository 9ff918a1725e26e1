package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
)

func TestHistoryManager_TrimsWholeExchanges(t *testing.T) {
	h := newHistoryManager(3)
	h.commit("one", "uno")
	h.commit("two", "dos")

	turns := h.snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, core.Turn{Role: core.RoleUser, Text: "two"}, turns[0])
	assert.Equal(t, core.Turn{Role: core.RoleAssistant, Text: "dos"}, turns[1])

	turns[0].Text = "mutated"
	assert.Equal(t, "two", h.snapshot()[0].Text, "snapshot must be a copy")
}
