package task

import "fmt"

// Settle decides the final status of a batch once all of its items are
// terminal. done is false while an item is still live or not yet spawned.
// Any failed item fails the batch; otherwise a cancelled item cancels it.
func Settle(parent *Task, children []Task) (status Status, errMsg string, done bool) {
	total := len(parent.InputParams.URLs)
	if len(children) < total {
		return "", "", false
	}
	var failed, cancelled int
	for i := range children {
		switch children[i].Status {
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		case StatusCompleted:
		default:
			return "", "", false
		}
	}
	switch {
	case failed > 0:
		return StatusFailed, fmt.Sprintf("fatal: %d of %d items failed", failed, total), true
	case cancelled > 0:
		return StatusCancelled, "", true
	}
	return StatusCompleted, "", true
}

// Rollup computes a live batch's progress from its children. Terminal
// items count as finished, unspawned ones as not started.
func Rollup(parent *Task, children []Task) (progress int, message string) {
	total := len(parent.InputParams.URLs)
	if total == 0 {
		return parent.Progress, parent.Message
	}
	var sum, finished int
	for i := range children {
		if children[i].Status.IsTerminal() {
			sum += 100
			finished++
			continue
		}
		sum += children[i].Progress
	}
	return min(sum/total, 99), fmt.Sprintf("%d of %d items done", finished, total)
}
