package ipconn

import (
	"sync"

	"tinkerlink/packet"
	"tinkerlink/tflog"
)

// broadcastHub fans every frame the reader task produces out to every
// subscriber. It is multi-producer in principle but in practice has
// exactly one producer (the reader task) and many consumers (pending
// requests, callback streams, the enumerate stream).
//
// A slow subscriber that falls behind its buffer's capacity is dropped
// from delivery of the frame that would have overflowed it and a warning
// is logged: lag is never surfaced to the caller as an error on the hot
// path, only as a later timeout for request/response or a missed event
// for callbacks.
type broadcastHub struct {
	mu         sync.Mutex
	subs       map[*subscription]struct{}
	bufferSize int
	done       chan struct{}
	closeOnce  sync.Once
}

type subscription struct {
	ch  chan packet.Data
	hub *broadcastHub
}

func newBroadcastHub(bufferSize int) *broadcastHub {
	return &broadcastHub{
		subs:       make(map[*subscription]struct{}),
		bufferSize: bufferSize,
		done:       make(chan struct{}),
	}
}

// subscribe registers a new observer. Subscribing is cheap: it only
// allocates a buffered channel and adds it to the fan-out set. A
// subscription taken after the hub has closed comes back already closed,
// so the caller observes closure on its first receive.
func (h *broadcastHub) subscribe() *subscription {
	s := &subscription{ch: make(chan packet.Data, h.bufferSize), hub: h}
	h.mu.Lock()
	select {
	case <-h.done:
		close(s.ch)
	default:
		h.subs[s] = struct{}{}
	}
	h.mu.Unlock()
	return s
}

// unsubscribe removes a subscriber and closes its channel, waking any
// receive blocked on it. Safe to call more than once: only the call that
// actually removes the subscription closes the channel.
func (h *broadcastHub) unsubscribe(s *subscription) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
	h.mu.Unlock()
}

// publish delivers a frame to every current subscriber. A subscriber
// whose buffer is full is skipped for this frame rather than blocking
// the reader task.
func (h *broadcastHub) publish(p packet.Data) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- p:
		default:
			tflog.Warnf("conn", "subscriber lagging, dropping uid=%d fid=%d seq=%d", p.Header.UID, p.Header.FunctionID, p.Header.SequenceNumber)
		}
	}
}

// closeAll closes every subscriber's channel (so a pending receive sees
// closure rather than blocking forever) and signals done. Done is closed
// under the lock so no subscription can slip in between the sweep and
// the signal.
func (h *broadcastHub) closeAll() {
	h.mu.Lock()
	for s := range h.subs {
		close(s.ch)
	}
	h.subs = make(map[*subscription]struct{})
	h.closeOnce.Do(func() { close(h.done) })
	h.mu.Unlock()
}
