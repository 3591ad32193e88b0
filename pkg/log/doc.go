/*
Package log provides structured logging for the director using zerolog.

It wraps a single global zerolog.Logger, initialized once at process start
via Init, with helper constructors (WithComponent, WithTaskID,
WithDeployment, WithAgentID) that attach a scoped field without creating a
second logging system. Every long-running component (the task worker, the
package compiler's worker pool, the job updater, the resource pool updater)
logs through a child logger scoped to its name, so log lines can be
filtered by component in aggregation.

Task bodies additionally write to a pair of per-task files (debug and
event) under the task's output directory; see pkg/task. Those file streams
are independent of this package's global logger, which always goes to the
process's configured output (stdout by default).
*/
package log
