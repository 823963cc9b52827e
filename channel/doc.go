// Package channel provides named routing endpoints with priority partitions
// and header redirect rules.
//
// A channel is either incoming or outgoing. Incoming channels carry listener
// partitions and outgoing channels carry sender partitions; attaching the
// wrong kind is a configuration error. Redirect rules rewrite the header of
// a payload passing through the channel:
//
//	ch, _ := channel.New("orders", channel.Incoming)
//	ch.RedirectAdd(channel.NewRedirectRule(
//		contracts.NewHeader("orders", "create", ""),
//		contracts.NewHeader("orders-v2", "", ""),
//	))
//	ch.Redirect(payload)
package channel
