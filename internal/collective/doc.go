// Package collective defines the group transport used by the coordinator: group
// membership (size, rank, names) and the blocking collective operations
// broadcast, barrier and sum-reduce.
//
// Every member of a group must issue the same collectives in the same order.
// Members number their calls, and the Rendezvous engine matches calls by that
// sequence number. Concrete transports live in the local (in-process) and ws
// (WebSocket hub) subpackages.
package collective
