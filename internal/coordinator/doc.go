// Package coordinator runs one member's share of a group computation.
//
// A Coordinator owns the member lifecycle: it joins the group, resolves rank
// and size, optionally synchronizes the start and end of the run, dispatches
// to the manager or worker side of a Behavior and always leaves the group.
// The first failure decides the member's ExitCode; later steps are skipped
// except for leaving the group.
package coordinator
