// Package service runs harvests and keeps consoles on behalf of remote
// clients.
//
// Overview
// A Pipeline is one harvest: discovery of the modules, the harvest itself,
// the report and optionally the store. Run picks what to do with it from the
// service mode:
//
//   - manual: one harvest, its error is returned
//   - timer: the Supervisor runs a harvest on every tick of the schedule
//   - serve: the Supervisor plus an HTTP Server over a Registry of consoles
//
// Data flow in serve mode:
//
//	client            Server             Registry{source}        console
//	  |  POST /start ---->| Start -------------->| open ------------->|
//	  |  POST /command -->| Command ------------>| RunCommand ------->|
//	  |<---- {output} ----|<---------------------|<-------------------|
//	  |  POST /stop ----->| Stop --------------->| Close ------------>|
//
// Invariants:
//   - At most one console per source, commands of a source never interleave.
//   - At most one harvest at a time, a trigger during a harvest is refused.
//   - A console not used for service.idle_timeout is stopped by the reaper.
//   - Every console is stopped when Serve returns.
package service
