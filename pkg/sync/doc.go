/*
The sync package implements quicksync's sync algorithm. It mirrors a local
source directory into a destination directory on a quicksync server, and keeps
the copy up to date as files change.

A sync happens in two phases:
1) A full sync. The source tree is scanned one directory at a time. Every file
   that the rules include is stat'ed on the server, and files whose remote
   modification time differs by more than a second are queued for upload.
2) Watching. File system events are filtered through the same rules and
   queued as uploads or deletions.

Queued operations wait for a short debounce so that bursts of writes to the
same file collapse into a single upload. They're drained on a timer, and the
number of bytes sent but not yet acknowledged by the server is capped.

The Orchestrator owns all of this state and is only ever touched by its
control loop, so none of it is locked. Watchers and the network connection
run in their own goroutines and hand events to the loop over channels.

The sync algorithm only deals with files. Empty directories aren't synced,
and the server never deletes files that the client doesn't know about.
*/
package sync
