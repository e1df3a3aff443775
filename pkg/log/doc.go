// Package log is the logging facade used across chainstream.
//
// Every component asks for a named logger once and keeps it:
//
//	l := log.ForService("connection")
//	l.Infof("connected to %s", url)
//	l.Debugf("probe latency %s", d) // printed only when debug is on for "connection"
//
// Lines look like:
//
//	2025/01/02 15:04:05.000000 INFO [connection>] connected to wss://node
//
// Debug output can be enabled for everything (SetGlobalDebug) or for a
// comma separated list of services (EnableDebugList), which is what the
// --debug and --debug-services flags map to. Sub-component loggers created
// with Named share the parent's debug switch.
//
// Tests redirect output with SetOutput(&buf).
package log
