package call

import (
	"encoding/json"

	"heartline/client/socket"
	"heartline/pkg/protocol"
)

// Attach subscribes the machine to a socket's call and signaling events and
// returns a single cleanup releasing every subscription. Create the machine
// and attach once per connection; teardown is guaranteed by calling the
// returned function, never by re-subscribing.
func (m *Machine) Attach(c *socket.Client) func() {
	subs := []*socket.Subscription{
		c.On(protocol.EventCallIncoming, func(frame []byte) {
			var msg protocol.CallInitiate
			if json.Unmarshal(frame, &msg) == nil {
				m.HandleIncoming(&msg)
			}
		}),
		c.On(protocol.EventCallRinging, func(frame []byte) {
			var msg protocol.CallRinging
			if json.Unmarshal(frame, &msg) == nil {
				m.HandleRinging(msg.SessionID)
			}
		}),
		c.On(protocol.EventCallActive, func(frame []byte) {
			var msg protocol.CallActive
			if json.Unmarshal(frame, &msg) == nil {
				m.HandleActive(&msg)
			}
		}),
		c.On(protocol.EventCallRejected, func(frame []byte) {
			var msg protocol.CallRejected
			if json.Unmarshal(frame, &msg) == nil {
				m.HandleRejected(&msg)
			}
		}),
		c.On(protocol.EventCallEnded, func(frame []byte) {
			var msg protocol.CallEnded
			if json.Unmarshal(frame, &msg) == nil {
				m.HandleEnded(&msg)
			}
		}),
		c.On(protocol.EventOffer, func(frame []byte) {
			var msg protocol.SDP
			if json.Unmarshal(frame, &msg) == nil {
				m.HandleOffer(&msg)
			}
		}),
		c.On(protocol.EventAnswer, func(frame []byte) {
			var msg protocol.SDP
			if json.Unmarshal(frame, &msg) == nil {
				m.HandleAnswer(&msg)
			}
		}),
		c.On(protocol.EventCandidate, func(frame []byte) {
			var msg protocol.Candidate
			if json.Unmarshal(frame, &msg) == nil {
				m.HandleCandidate(&msg)
			}
		}),
	}

	return func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}
}
