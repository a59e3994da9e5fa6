// Package storage groups the replay blob stores. Each backend writes replay
// JSON under "{format}/{date}/{replay_id}.json" and can list what it holds so
// the harvester can derive an Older boundary from stored data.
package storage
