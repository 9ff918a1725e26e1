package llm

import (
	"context"

	"github.com/digkill/MediaRise-Robot-Console/pkg/core"
)

// Echo repeats the latest user turn. It needs no credentials and backs the
// offline provider profile.
type Echo struct {
	Prefix string
}

func (Echo) Name() string { return "echo" }

func (e Echo) Respond(_ context.Context, turns []core.Turn) (core.Reply, error) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == core.RoleUser {
			return ParseReply(e.Prefix + turns[i].Text), nil
		}
	}
	return core.Reply{}, nil
}
