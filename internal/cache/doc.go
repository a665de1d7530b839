// Package cache defines the durable namespace store behind the offline cache
// controller. A Store holds named namespaces (one per deployed cache version);
// each Namespace maps a normalised request Key to a buffered Response. Two
// drivers are provided: "fs" lays namespaces out as StoragePath/<namespace>/
// directories with temp file + rename writes, and "sqlite" keeps everything in
// a single modernc.org/sqlite database file.
package cache
