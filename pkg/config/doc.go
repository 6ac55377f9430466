/*
Package config loads the runtime's YAML configuration.

Two tunables are live-reloadable through the fsnotify watcher:
coroutine.stack_size (affects future task creations) and
tcp.connect.timeout (affects connect wrappers). The workers and servers
sections are consumed once at startup.
*/
package config
