// Package montecarlo estimates pi across a group: the manager parses the run
// configuration and broadcasts it, every member throws its share of darts,
// and the hit counts are summed on the manager, which reports the estimate.
package montecarlo
