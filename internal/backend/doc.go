// Package backend defines the capability interface an execution engine
// adapter must satisfy, together with the label schema every adapter applies
// to the objects it creates.
//
// The orchestrator keeps no state of its own. Every unit and network it
// creates carries the labels built by BuildLabels, and later commands find
// them again through FindUnits and FindNetworks with a Filter. The engine is
// the database.
package backend
