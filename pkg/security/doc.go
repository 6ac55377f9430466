// Package security loads the TLS material referenced by ssl-enabled
// server configurations and TLS client sockets.
package security
