/*
Package dap connects the address-synchronization engine to a live Debug
Adapter Protocol session.

The package implements a transparent proxy: the editor's DAP client connects
to a listening Server, which dials the real debug adapter and forwards
messages in both directions. While forwarding, the proxy observes the
traffic that reveals the execution location:

  - a stopped event arms stop tracking; the first stackTrace response that
    follows identifies the innermost frame,
  - a scopes request from the client identifies the frame the user selected,
  - terminated/exited events (or either transport closing) end the session.

The proxy also acts as the engine's session host. Register reads are
performed by injecting evaluate requests toward the adapter in a reserved
sequence-number range; the matching responses are consumed rather than
forwarded. User-visible notifications are delivered to the client as output
events on the console category.
*/
package dap
