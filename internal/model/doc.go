// Package model defines the topology model and error types for netlab.
//
// A Lab is a set of Units (network devices) attached to Networks (collision
// domains). The model is transient: it is produced by the lab file loader,
// read by the orchestrator, and discarded after the command completes. The
// durable record of a deployment is the set of labeled objects on the
// backend, so UnitHandle and NetworkHandle are reconstructed from backend
// queries rather than persisted.
//
// The package also defines the error kinds shared by every layer (LabError)
// and the CLI exit code mapping (CLIError).
package model
