// Quotactl inspects and adjusts the persisted quota state of a pool.
//
// Usage:
//
//	# Show day, minute and context usage for every backend
//	quotactl status --config pool.yaml --db quota.db
//
//	# Mark a backend's daily quota as used up
//	quotactl close-day flash-1
//
//	# Empty a backend's context budget
//	quotactl clear-context flash-1
//
//	# Forget everything stored for a backend
//	quotactl reset flash-1
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
