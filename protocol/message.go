package protocol

import "github.com/maxpert/forwarder/engine"

// MessageAction builds the Message or RMessage action relaying a queued message.
func MessageAction(q engine.QueuedMessage) *Action {
	t := ActionMessage
	if q.Reliable {
		t = ActionRMessage
	}
	return &Action{
		Type:        t,
		SeqNum:      q.Seq,
		Flags:       q.Flags,
		Destination: q.Destination,
		Expiry:      q.Expiry,
		Properties:  q.Properties,
		Body:        q.Body,
	}
}

// Message returns the engine message carried by a Message or RMessage action.
func (a *Action) Message() *engine.Message {
	return &engine.Message{
		Destination: a.Destination,
		Properties:  a.Properties,
		Body:        a.Body,
		Expiry:      a.Expiry,
		Flags:       a.Flags,
		Reliable:    a.Type == ActionRMessage,
	}
}
