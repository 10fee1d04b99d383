/*
Package scheduler decides which eligible queued task a claiming worker
should be offered next.

Four interchangeable Strategy implementations back the same claim
path:

	FIFO            oldest eligible task first
	LIFO            newest eligible task first
	Priority        lowest priority number first (1 is highest)
	WeightedRandom  sampled with probability proportional to 1/priority

A Strategy never mutates state; it only orders or samples a read-only
snapshot of eligible rows. The guarded UPDATE that actually claims a
task lives in pkg/queue, which walks the candidates a Strategy returns
until one survives the race against a concurrently-claiming worker.
*/
package scheduler
