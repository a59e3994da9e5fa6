// Package harvest implements the resumable replay sweep: the direction rules,
// the frontier scanner, the fetch-and-persist engine, cold-start boundary
// discovery and the orchestrator that ties them to a checkpoint store.
package harvest
