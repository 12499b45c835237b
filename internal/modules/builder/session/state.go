// Package session holds the build session state machine.
package session

import (
	types "github.com/yungbote/appforge-backend/internal/domain"
)

var transitions = map[types.SessionState][]types.SessionState{
	types.StateDraft:      {types.StateAnalyzing, types.StateStopped},
	types.StateAnalyzing:  {types.StateGenerating, types.StateFailed, types.StateStopped},
	types.StateGenerating: {types.StateValidating, types.StateFailed, types.StateStopped},
	types.StateValidating: {types.StateFixing, types.StateDeploying, types.StateFailed, types.StateStopped},
	types.StateFixing:     {types.StateGenerating, types.StateFailed, types.StateStopped},
	types.StateDeploying:  {types.StateDeployed, types.StateFailed, types.StateStopped},
	// A modification re-enters generation on the same session.
	types.StateDeployed: {types.StateGenerating, types.StateStopped},
}

func CanTransition(from, to types.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources lists every state that may move to `to`.
func Sources(to types.SessionState) []types.SessionState {
	var out []types.SessionState
	for _, from := range order {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

var order = []types.SessionState{
	types.StateDraft,
	types.StateAnalyzing,
	types.StateGenerating,
	types.StateValidating,
	types.StateFixing,
	types.StateDeploying,
	types.StateDeployed,
	types.StateFailed,
	types.StateStopped,
}

func IsTerminal(s types.SessionState) bool {
	return s == types.StateFailed || s == types.StateStopped
}

// IsBusy reports whether a generation or deployment is in flight.
func IsBusy(s types.SessionState) bool {
	switch s {
	case types.StateAnalyzing, types.StateGenerating, types.StateValidating, types.StateFixing, types.StateDeploying:
		return true
	}
	return false
}

// Active lists the states that are neither terminal nor deployed.
func Active() []types.SessionState {
	return []types.SessionState{
		types.StateDraft,
		types.StateAnalyzing,
		types.StateGenerating,
		types.StateValidating,
		types.StateFixing,
		types.StateDeploying,
	}
}

// Stoppable lists the states an explicit stop is accepted from.
func Stoppable() []types.SessionState {
	return Sources(types.StateStopped)
}
