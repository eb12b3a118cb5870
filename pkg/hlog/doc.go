/*
Package hlog provides structured logging for hearth using zerolog.

A single global Logger is initialized once via Init and is safe for concurrent
use from every subsystem (worker runtime, container actor, proxy, certificate
store, API). Component loggers (WithComponent, WithProjectID, WithDeploymentID,
WithContainerID) attach a field to every subsequent log line without repeating
it at each call site.

The console writer is the default; JSON output is selected with
Config.JSONOutput (the --log-json flag). Levels follow zerolog's
debug/info/warn/error/fatal scale.
*/
package hlog
