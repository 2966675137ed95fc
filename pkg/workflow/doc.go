// Package workflow implements the Workflows binding: create/get instance
// handles over a run function, step.do memoization against the shared
// substrate, step.sleep, and pause/resume/terminate/restart control,
// including interrupt recovery for instances a prior process left running.
package workflow
