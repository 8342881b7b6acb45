// Package depgraph resolves unit startup dependencies into a deployment
// order and parses the lab.dep file format.
//
// A dependency mapping reads "unit -> units that must be running first".
// Resolve flattens it with a depth-first topological sort; a cycle is a
// validation error reported before anything is deployed.
package depgraph
