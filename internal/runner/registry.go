package runner

import (
	"fmt"
	"sync"
)

// activeRuns guards against two concurrent executions for the same
// (project, phase). Keys are inserted at run start and removed when the
// run finishes or errors. In-memory only: single-process deployments.
type activeRuns struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newActiveRuns() *activeRuns {
	return &activeRuns{keys: make(map[string]struct{})}
}

func runKey(projectID string, phaseIndex int) string {
	return fmt.Sprintf("%s/%d", projectID, phaseIndex)
}

// acquire claims the key, reporting false when a run already holds it.
func (a *activeRuns) acquire(projectID string, phaseIndex int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := runKey(projectID, phaseIndex)
	if _, held := a.keys[key]; held {
		return false
	}
	a.keys[key] = struct{}{}
	return true
}

func (a *activeRuns) release(projectID string, phaseIndex int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, runKey(projectID, phaseIndex))
}
