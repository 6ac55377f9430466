/*
Package scheduler dispatches tasks onto a fixed pool of workers.

Work items are FIFO per pin tag: unpinned items go to whichever worker
pops them first, pinned items run only on the named worker, in order.
Thunks run on a reusable per-worker callback task to avoid allocating a
task per callback.

The Hooks interface is the extension seam: the bare scheduler idles by
sleeping briefly, while the reactor substitutes one epoll cycle as the
idle behaviour and a wake-pipe write as the tickle.
*/
package scheduler
