// Package pdrcachemgr implements the cache management system for the NIST
// Public Data Repository (PDR): a storage inventory database, a cache
// manager that restores and evicts objects against a set of backend
// volumes, and the background workers (integrity monitor, cacher) that
// keep the cache consistent over time.
package pdrcachemgr
