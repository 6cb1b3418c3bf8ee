// Package monitor implements the logs, process, and filesystem monitor
// plugins (spec §4.2). Each plugin type registers itself with
// internal/registry from an init() function; cmd/rig blank-imports
// this package so the registrations run before any rigfile is loaded.
package monitor

// defaultSyslogPath is the "conventional system log file" the logs monitor
// watches when no `files` option is given.
const defaultSyslogPath = "/var/log/syslog"
