// Package taskmanager is the in-process executor of the communication
// container. Tasks run on their own goroutine with a timeout; capacity is
// bounded by a weighted semaphore and offered to consumers on a ticker.
package taskmanager
