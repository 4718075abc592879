package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// stallWindow is how many recent turn summaries are kept per node.
const stallWindow = 3

// turnSummary condenses one finished turn for stall comparison.
type turnSummary struct {
	OutputHash         string `json:"outputHash"`
	DiffHash           string `json:"diffHash"`
	VerificationFailed bool   `json:"verificationFailed"`
}

// stallEvidence is the payload of a run.stalled event.
type stallEvidence struct {
	OutputHash          string        `json:"outputHash,omitempty"`
	DiffHash            string        `json:"diffHash,omitempty"`
	VerificationFailure bool          `json:"verificationFailure,omitempty"`
	Summaries           []turnSummary `json:"summaries"`
}

// stallDetector keeps a rolling window of turn summaries per node and flags
// repetition: two consecutive identical output hashes, two consecutive
// identical diff hashes, or repeated verification failure.
type stallDetector struct {
	mu      sync.Mutex
	history map[string][]turnSummary // runID/nodeID -> newest last
}

func newStallDetector() *stallDetector {
	return &stallDetector{history: make(map[string][]turnSummary)}
}

// Record appends the turn summary and reports whether the node looks stalled,
// returning the evidence when it does.
func (d *stallDetector) Record(runID, nodeID string, s turnSummary) (*stallEvidence, bool) {
	key := runID + "/" + nodeID

	d.mu.Lock()
	defer d.mu.Unlock()

	window := append(d.history[key], s)
	if len(window) > stallWindow {
		window = window[len(window)-stallWindow:]
	}
	d.history[key] = window

	if len(window) < 2 {
		return nil, false
	}
	prev, cur := window[len(window)-2], window[len(window)-1]

	evidence := &stallEvidence{Summaries: append([]turnSummary(nil), window...)}
	stalled := false
	if cur.OutputHash != "" && cur.OutputHash == prev.OutputHash {
		evidence.OutputHash = cur.OutputHash
		stalled = true
	}
	if cur.DiffHash != "" && cur.DiffHash == prev.DiffHash {
		evidence.DiffHash = cur.DiffHash
		stalled = true
	}
	if cur.VerificationFailed && prev.VerificationFailed {
		evidence.VerificationFailure = true
		stalled = true
	}
	if !stalled {
		return nil, false
	}
	return evidence, true
}

// ResetNode clears the node's history, used when user input intervenes.
func (d *stallDetector) ResetNode(runID, nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.history, runID+"/"+nodeID)
}

// ResetRun clears every node history of the run.
func (d *stallDetector) ResetRun(runID string) {
	prefix := runID + "/"
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.history {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(d.history, key)
		}
	}
}

func hashText(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
