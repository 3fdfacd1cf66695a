// Package engine implements the consensus core: the per-height state
// machine, vote quorum tracking, timeout scheduling and the driver loop
// that ties them to the application and the network.
//
// The engine is organized around one reactor goroutine per Driver. All
// consensus state transitions happen on that goroutine; proposal
// building, proposal validation and validator set lookups run as
// cancellable tasks beside it and report back through the event queue.
// The application plugs in behind the Context interface and the wire
// behind the Network interface.
package engine
