/*
Package tcpserver runs accept loops over one or more bound addresses.

Each listener gets a dedicated accept-loop task on the server's accept
worker; each accepted connection gets a handler task on the io worker,
with the configured idle timeout applied as the connection's recv
timeout. Stop cancels the accept loops through the reactor, closes the
listeners, and waits for in-flight connections to drain within the
configured timeout. Servers with ssl enabled wrap accepted connections in
a TLS handshake before handing them to the handler.
*/
package tcpserver
