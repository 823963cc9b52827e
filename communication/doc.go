// Package communication owns the listeners and senders of a service.
//
// The Container keeps a ranked priority snapshot of every listener client,
// replaces it on a schedule and whenever the supported messages change, and
// drains it whenever the executor offers capacity: each reservation becomes
// one poll task and each polled payload one processing task. Outbound
// payloads are routed to every sender that supports their channel.
package communication
