// Package port parses unit port mappings and checks them for conflicts.
//
// A mapping publishes a guest port of a unit on the host and is written as
// "[host:]guest[/protocol]". Two units of a lab cannot publish the same host
// port and protocol; that is a validation error. A host port already bound by
// another process on this machine is only reported, since the backend may run
// on a different host.
package port
