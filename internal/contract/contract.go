// Package contract defines the verifiability contract attached to every
// task: a description of the work plus a CLI test that proves it, with a
// complexity ceiling used to decide when a task should be split instead.
package contract

import (
	"fmt"
	"strings"
)

const (
	// DefaultMaxTestCases is the ceiling on distinct test cases a single
	// task should need. Tasks estimated above it are split candidates.
	DefaultMaxTestCases = 7
	// DefaultLOCWarning is the advisory line-count threshold for the
	// implementation of a single task.
	DefaultLOCWarning = 40
)

// Contract captures what a task must do and how success is verified.
// The ceilings are policy inputs for the split planner, not runtime gates.
type Contract struct {
	Description  string `json:"description"`
	CLITest      string `json:"cli_test,omitempty"`
	InputSchema  string `json:"input_schema,omitempty"`
	OutputSchema string `json:"output_schema,omitempty"`
	MaxTestCases int    `json:"max_test_cases"`
	LOCWarning   int    `json:"loc_warning"`
}

// New builds a contract with default ceilings.
func New(description, cliTest string) (*Contract, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("contract: empty description")
	}
	return &Contract{
		Description:  description,
		CLITest:      strings.TrimSpace(cliTest),
		MaxTestCases: DefaultMaxTestCases,
		LOCWarning:   DefaultLOCWarning,
	}, nil
}

// IsVerifiable reports whether a task with the given test-case estimate
// fits under the contract's ceiling.
func (c *Contract) IsVerifiable(estimatedTestCases int) bool {
	max := c.MaxTestCases
	if max <= 0 {
		max = DefaultMaxTestCases
	}
	return estimatedTestCases > 0 && estimatedTestCases <= max
}

// complexityKeywords are conjunctions and branch words that usually
// signal additional behaviors, each adding an estimated test case.
var complexityKeywords = []string{
	" and ", " or ", " also ", " then ", " plus ",
	" unless ", " except ", " as well as ",
	" if ", " when ", " otherwise ",
}

// EstimateTestCases gives a rough test-case count for a description: one
// baseline case plus one per branch/conjunction keyword. Advisory only;
// the split planner prompt surfaces it to the model.
func EstimateTestCases(description string) int {
	lower := " " + strings.ToLower(strings.TrimSpace(description)) + " "
	estimate := 1
	for _, kw := range complexityKeywords {
		estimate += strings.Count(lower, kw)
	}
	return estimate
}
