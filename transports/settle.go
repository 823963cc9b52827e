package transports

import "github.com/glimte/mmate-comms/contracts"

// DefaultRetryLimit is the number of redeliveries of a failed message
const DefaultRetryLimit = 3

// Outcome is what happens to a delivered message once it is signalled
type Outcome int

const (
	// Ack removes the message.
	Ack Outcome = iota
	// Requeue puts the message back on its queue.
	Requeue
	// DeadLetter moves the message to the dead-letter queue.
	DeadLetter
	// Discard drops a failed message that has nowhere left to go.
	Discard
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead-letter"
	case Discard:
		return "discard"
	default:
		return "unknown"
	}
}

// Settle decides the outcome of a signalled message. A failure increments
// the delivery count; the message is requeued until the count exceeds
// retryLimit and then dead-lettered, or discarded when the partition has
// no dead-letter queue. Failures on a dead-letter partition stay queued.
func Settle(p Partition, msg *contracts.Message, success bool, retryLimit int) Outcome {
	if success {
		return Ack
	}

	msg.DeliveryCount++
	if p.DeadLetter || msg.DeliveryCount <= retryLimit {
		return Requeue
	}
	if p.DeadLetterQueue != "" {
		return DeadLetter
	}
	return Discard
}

// Target returns the queue a settled message is written to, or "" when it
// is removed.
func Target(p Partition, outcome Outcome) string {
	switch outcome {
	case Requeue:
		return p.Queue
	case DeadLetter:
		return p.DeadLetterQueue
	default:
		return ""
	}
}

// SettleFunc completes a delivered message with its outcome
type SettleFunc func(outcome Outcome, msg *contracts.Message)

// NewDelivery wraps a received message in a payload routed for internal
// execution. The release callback settles the message exactly once.
func NewDelivery(info ClientInfo, msg *contracts.Message, retryLimit int, settle SettleFunc) *contracts.Payload {
	return contracts.NewPayload(msg,
		contracts.WithSource(info.Name()),
		contracts.WithProcessOptions(contracts.RouteInternal),
		contracts.WithMaxProcessingTime(info.Partition.MaxProcessingTime),
		contracts.WithRelease(func(success bool, _ string) {
			settle(Settle(info.Partition, msg, success, retryLimit), msg)
		}))
}
