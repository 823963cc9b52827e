// Package transports holds the pieces shared by the transport adapters:
// queue naming, partition clients, subscription filtering and the
// settlement of delivered messages.
//
// Every transport maps one priority partition of an incoming channel to a
// queue named "<prefix><channel>.p<priority>"; partitions that support dead
// letters get a second queue with the ".dlq" suffix and a dead-letter client.
package transports
