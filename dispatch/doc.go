// Package dispatch injects messages into a service and routes payloads to
// the commands that handle them.
//
// The Dispatcher is the local entry point: it builds a payload from a
// header and an optional package and hands it to the service's
// execute-or-enqueue action. The Router holds the command registry and
// publishes the message filters it can handle so listeners can subscribe
// to them.
package dispatch
