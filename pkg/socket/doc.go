/*
Package socket wraps file descriptors in typed TCP/UDP/Unix sockets whose
blocking operations suspend the current task through the interception
layer. Accepted and connected sockets cache their kernel-reported local
and remote addresses; cancel operations wake tasks blocked on the socket
as if their event had fired.

SSLSocket layers a TLS session over the same cooperative fd: the TLS
stack's reads and writes go through the hooked syscalls, so handshakes
and record IO yield instead of blocking the worker. Code serving
connections is written against the Conn interface, which both socket
kinds satisfy, so plain and TLS connections are handled identically.
*/
package socket
