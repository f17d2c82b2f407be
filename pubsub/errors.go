package pubsub

import "errors"

// errSubscriptionClosed reports a pub/sub message channel that closed
// unexpectedly; the supervising loop reconnects.
var errSubscriptionClosed = errors.New("subscription channel closed")

// errRequired reports a missing required option.
func errRequired(name string) error {
	return errors.New(name + " is required")
}
