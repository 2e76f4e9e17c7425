/*
Package syncer implements the address-synchronization engine that keeps an
external disassembler view in step with a live debug session.

# Architecture Overview

An Engine owns one Session per active debug session. Debug-session events
(stop, frame selection) flow into the Session, which decides how to obtain
the current execution address: the innermost frame is resolved by reading
the program counter register through the session host, outer frames supply
a precomputed instruction-pointer reference. The resulting address is
handed to a Forwarder for delivery to the viewer.

# Failure Handling

Forwarding is best effort. The first failure in an episode produces a
single user-visible notification; afterwards the Session retries the most
recent pending address at a fixed interval until a forward succeeds, a
newer address supersedes it, synchronization is toggled off, or the session
ends. A newer address always replaces an older pending one; nothing is
queued.

# Concurrency

All Session state is guarded by the Engine mutex. Completions (register
reads, forward results, retry timers) re-enter through that mutex, and
outbound I/O is initiated only after it is released, so host and forwarder
implementations are free to invoke callbacks synchronously.
*/
package syncer
