// Package types defines the core data model shared by every component of the
// scheduling engine: tasks, task results, requirements, assignments, the
// worker contract, and the unified error type.
//
// The types package is the lowest-level package with no internal dependencies,
// so every other package (profile, strategy, balancer, distributor,
// orchestrator, collab) can import it without circular imports.
package types
