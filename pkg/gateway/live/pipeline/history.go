package pipeline

import "github.com/digkill/MediaRise-Robot-Console/pkg/core"

// historyManager keeps the running conversation of one session. Only the
// coordinator goroutine touches it; workers get snapshots.
type historyManager struct {
	turns    []core.Turn
	maxTurns int
}

func newHistoryManager(maxTurns int) *historyManager {
	return &historyManager{
		turns:    make([]core.Turn, 0, 16),
		maxTurns: maxTurns,
	}
}

// commit records a completed exchange.
func (h *historyManager) commit(user, assistant string) {
	h.turns = append(h.turns,
		core.Turn{Role: core.RoleUser, Text: user},
		core.Turn{Role: core.RoleAssistant, Text: assistant},
	)
	if h.maxTurns > 0 && len(h.turns) > h.maxTurns {
		// Drop whole exchanges so the history never starts with an assistant turn.
		drop := len(h.turns) - h.maxTurns
		if drop%2 == 1 {
			drop++
		}
		h.turns = append(h.turns[:0:0], h.turns[drop:]...)
	}
}

func (h *historyManager) snapshot() []core.Turn {
	out := make([]core.Turn, len(h.turns))
	copy(out, h.turns)
	return out
}
