package transport

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/util"
)

const (
	highWaterMark  = 1024 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 256 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 256         // outgoing message queue capacity per channel
)

type outbound struct {
	text bool
	data []byte
}

// channel serializes all writes to one DataChannel through a single sender
// goroutine that waits for the channel to open and applies backpressure.
type channel struct {
	rel protocol.Reliability
	dc  *webrtc.DataChannel
	tag util.Tag
	ev  Events

	inbox       chan outbound
	drainSignal chan struct{}
	openSignal  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Channel = (*channel)(nil)

// newChannel wires dc's callbacks to ev and starts the sender loop. The
// loop exits when ctx is cancelled or the channel is closed.
func newChannel(parent context.Context, tag util.Tag, rel protocol.Reliability, dc *webrtc.DataChannel, ev Events) *channel {
	ctx, cancel := context.WithCancel(parent)
	c := &channel{
		rel:         rel,
		dc:          dc,
		tag:         tag,
		ev:          ev,
		inbox:       make(chan outbound, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		openSignal:  make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(c.openSignal) })
		tag.Debug("%s channel open", rel)
		if ev.ChannelOpen != nil {
			ev.ChannelOpen(rel)
		}
	})

	dc.OnClose(func() {
		tag.Debug("%s channel closed", rel)
		cancel()
		if ev.ChannelClose != nil {
			ev.ChannelClose(rel)
		}
	})

	dc.OnError(func(err error) {
		tag.Warning("%s channel error: %v", rel, err)
		if ev.ChannelError != nil {
			ev.ChannelError(rel, err)
		}
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		if ev.ChannelMessage != nil {
			ev.ChannelMessage(rel, Payload{Text: msg.IsString, Data: msg.Data})
		}
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drainSignal <- struct{}{}:
		default:
		}
	})

	go c.loop()

	return c
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (c *channel) loop() {
	select {
	case <-c.openSignal:
	case <-c.ctx.Done():
		return
	}

	for {
		select {
		case msg := <-c.inbox:
			if c.dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-c.drainSignal:
				case <-c.ctx.Done():
					return
				}
			}

			var err error
			if msg.text {
				err = c.dc.SendText(string(msg.data))
			} else {
				err = c.dc.Send(msg.data)
			}
			if err != nil {
				c.tag.Warning("failed to send on %s channel: %v", c.rel, err)
				if c.ev.ChannelError != nil {
					c.ev.ChannelError(c.rel, err)
				}
				return
			}

			util.Stats.AddSent(len(msg.data))
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *channel) SendText(s string) error {
	return c.enqueue(outbound{text: true, data: []byte(s)})
}

func (c *channel) Send(data []byte) error {
	return c.enqueue(outbound{data: data})
}

// enqueue never blocks: callbacks upstream run on event loops.
func (c *channel) enqueue(msg outbound) error {
	if c.ctx.Err() != nil {
		return ErrChannelClosed
	}
	select {
	case c.inbox <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *channel) Close() error {
	c.cancel()
	return c.dc.Close()
}
