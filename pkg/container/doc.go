// Package container implements the Container binding: a per-Durable-Object
// Docker container lifecycle manager with a health-check loop, an exited/
// dead monitor, an idle activity timeout, and forwarding fetch, plus a
// process-wide registry used to force-remove every tracked container on
// shutdown.
package container
