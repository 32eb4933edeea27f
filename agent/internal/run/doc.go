// Package run sequences one measurement run through its phases:
//
//	warming_up -> waiting_stable -> recording -> done
//
// Orchestrator.Tick polls the Source once. A tick with no reading is a
// no-op. Otherwise the reading passes through the drift compensator and is
// routed to the stabilization detector (waiting) or the sample aggregator
// (recording). done is absorbing: the source is no longer polled.
//
// Orchestrator.Drive runs the tick loop from a caller-supplied tick channel,
// bounding only the waiting phase with an optional timeout.
//
// Progress is reported as Events to a Reporter (see event.go); the
// orchestrator never performs network or display I/O itself.
package run
