package pipeline

import (
	"hash/fnv"

	"github.com/google/uuid"
)

// Operation names a user-facing moment in a build.
type Operation string

const (
	OpStart      Operation = "start"
	OpAnalyzing  Operation = "analyzing"
	OpDesigning  Operation = "designing"
	OpBuilding   Operation = "building"
	OpStyling    Operation = "styling"
	OpPolishing  Operation = "polishing"
	OpFinalizing Operation = "finalizing"
	OpDeploying  Operation = "deploying"
	OpComplete   Operation = "complete"
)

var messages = map[Operation][]string{
	OpStart: {
		"Got it! Let's build this together.",
		"Great idea. Getting started now.",
		"On it! Setting things up.",
	},
	OpAnalyzing: {
		"Figuring out what your app needs...",
		"Reading through your request...",
		"Working out how your app should handle its data...",
	},
	OpDesigning: {
		"Sketching the layout...",
		"Planning the pieces of your app...",
		"Designing the screens...",
	},
	OpBuilding: {
		"Writing the code...",
		"Putting the pieces together...",
		"Building your app...",
	},
	OpStyling: {
		"Checking everything fits together...",
		"Reviewing the build...",
		"Looking over the details...",
	},
	OpPolishing: {
		"Found a few rough edges. Smoothing them out...",
		"Fixing a couple of things before launch...",
		"Making a few corrections...",
	},
	OpFinalizing: {
		"Almost there...",
		"Wrapping up...",
		"Final touches...",
	},
	OpDeploying: {
		"Putting your app online...",
		"Launching your app...",
		"Getting your app a home on the web...",
	},
	OpComplete: {
		"Your app is live!",
		"All done. Your app is ready!",
		"Done! Take a look.",
	},
}

// Message picks a variant for op. The choice is stable for a session and
// round so retried polls render the same text.
func Message(op Operation, sessionID uuid.UUID, round int) string {
	opts := messages[op]
	if len(opts) == 0 {
		return string(op)
	}
	h := fnv.New32a()
	_, _ = h.Write(sessionID[:])
	_, _ = h.Write([]byte(op))
	_, _ = h.Write([]byte{byte(round)})
	return opts[int(h.Sum32()%uint32(len(opts)))]
}
