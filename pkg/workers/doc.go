// Package workers is the process-wide registry of named worker pools,
// populated once from the workers section of the configuration. Servers
// resolve their accept, io, and process pools here by name.
package workers
