package signal

import "context"

// Bus is a best-effort broadcast transport for signal envelopes. Publish
// delivers to all current subscribers of a topic at most once, with no
// ordering guarantee across senders, no retry and no persistence: if nobody
// is subscribed at send time the envelope is simply lost. Nothing built on a
// Bus may assume delivery; the persisted call record is the ground truth.
type Bus interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Subscribe(topic string, handler func(Envelope)) (cancel func(), err error)
}

// CallTopic names the shared signaling topic for one conversation.
func CallTopic(conversationID string) string {
	return "call:" + conversationID
}
