// Package checkpoint holds the durable boundary stores used by the harvester.
//
// Every backend implements harvest.CheckpointStore: Load returns the whole
// document and Update applies a mutation as one serialized read-modify-write.
// Subpackages provide a JSON file (file), an in-process map (memory) and a
// Postgres table (postgres).
package checkpoint
