package ipconn

import (
	"time"

	"tinkerlink/packet"
	"tinkerlink/tferrors"
)

// Get sends a request that always awaits a response, correlating it by
// (uid, function_id, sequence_number) and enforcing timeout. Subscription
// happens before the frame is sent, so the response can never arrive and
// be dropped before the observer exists.
func (c *Connection) Get(uidVal uint32, functionID uint8, payload []byte, timeout time.Duration) (packet.Data, error) {
	sub := c.subscribe()
	defer c.hub.unsubscribe(sub)

	seq, err := c.writeFrame(uidVal, functionID, payload, true)
	if err != nil {
		return packet.Data{}, err
	}

	return waitForMatch(sub, uidVal, functionID, seq, timeout)
}

// Set sends a request whose response depends on timeout: a nil timeout
// means the caller does not want to wait (fire-and-forget, matching a
// device's response_expected=false policy), and Set returns immediately
// without subscribing or awaiting anything. A non-nil timeout subscribes
// first, then sends, then waits exactly like Get.
func (c *Connection) Set(uidVal uint32, functionID uint8, payload []byte, timeout *time.Duration) (*packet.Data, error) {
	if timeout == nil {
		if _, err := c.writeFrame(uidVal, functionID, payload, false); err != nil {
			return nil, err
		}
		return nil, nil
	}

	sub := c.subscribe()
	defer c.hub.unsubscribe(sub)

	seq, err := c.writeFrame(uidVal, functionID, payload, true)
	if err != nil {
		return nil, err
	}

	p, err := waitForMatch(sub, uidVal, functionID, seq, *timeout)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// waitForMatch blocks until a frame matching (uid, function_id, seq)
// arrives on sub, the subscription's channel closes (connection died),
// or timeout elapses.
func waitForMatch(sub *subscription, uidVal uint32, functionID uint8, seq uint8, timeout time.Duration) (packet.Data, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case p, ok := <-sub.ch:
			if !ok {
				return packet.Data{}, tferrors.NoResponseReceived
			}
			if p.Header.UID != uidVal || p.Header.FunctionID != functionID || p.Header.SequenceNumber != seq {
				continue
			}
			if err := tferrors.FromWireErrorCode(p.Header.ErrorCode); err != nil {
				return packet.Data{}, err
			}
			return p, nil
		case <-deadline.C:
			return packet.Data{}, tferrors.NoResponseReceived
		}
	}
}
