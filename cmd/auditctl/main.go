// auditctl is the operator CLI for the decision engine: chain verification,
// audit trail inspection, rule file validation and import, and token minting.
//
// Usage:
//
//	# Verify one entity's chain
//	auditctl verify --type truck --id MH12AB1234
//
//	# Sweep every chain touched in the last day
//	auditctl verify --since 24h
//
//	# Check a rules file before deploying it
//	auditctl rules validate rules.yaml
//
// Configuration comes from the same environment as the API process.
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
