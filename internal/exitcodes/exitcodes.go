// Package exitcodes defines the process exit codes used by webharness.
package exitcodes

// Exit code constants:
//
// * Success (0): every declared test resolved Success
// * TestFailure (1): one or more tests resolved Failure
// * RuntimeErr (2): the harness itself failed, for example bad configuration,
// a page that could not be opened, or a protocol violation
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
