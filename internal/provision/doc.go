// Package provision turns topology networks and units into backend objects.
//
// NetworkProvisioner finds or creates one backend network per logical
// network and releases networks no remaining unit references.
// UnitProvisioner creates, wires and starts units, and deletes them after
// running their shutdown script.
//
// Neither provisioner writes to the topology model: they return handles and
// the caller that owns the task stores them.
package provision
