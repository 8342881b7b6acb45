// Package orchestrator schedules the deployment and teardown of labs.
//
// Deploy walks PLANNING, PROVISIONING_NETWORKS and PROVISIONING_UNITS. All
// networks are provisioned before any unit. Units run on a bounded worker
// pool unless the lab declares dependencies, in which case they are created
// one at a time in dependency order. A failure stops further dispatch and
// leaves everything already created in place; Deploy can be retried or the
// lab undeployed.
//
// Undeploy and WipeAll select their targets first, delete units, then
// delete the networks no remaining unit references.
package orchestrator
