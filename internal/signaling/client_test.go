package signaling_test

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/signaling"
)

type watched struct {
	joined    chan []int
	envelopes chan signaling.Envelope
	done      chan error
}

func watch(c *signaling.Client) *watched {
	w := &watched{
		joined:    make(chan []int, 1),
		envelopes: make(chan signaling.Envelope, 8),
		done:      make(chan error, 1),
	}
	go func() {
		w.done <- c.Watch(
			func(ids []int) { w.joined <- ids },
			func(env signaling.Envelope) { w.envelopes <- env },
		)
	}()
	return w
}

// TestClientExchange verifies two relay clients can address each other by
// identity and see the sender's identity on receipt.
func TestClientExchange(t *testing.T) {
	relay, _, url := startRelay(t, nil)
	ctx := context.Background()

	first, err := signaling.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer first.Close()
	w1 := watch(first)

	select {
	case ids := <-w1.joined:
		if len(ids) != 0 {
			t.Fatalf("first client joined: %v", ids)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for joined")
	}

	second, err := signaling.Dial(ctx, url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer second.Close()
	w2 := watch(second)

	select {
	case ids := <-w2.joined:
		if len(ids) != 1 || ids[0] != 0 {
			t.Fatalf("second client joined: %v", ids)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for joined")
	}
	waitForIdentities(t, relay, []int{0, 1})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	if err := second.SendSDP(0, offer); err != nil {
		t.Fatalf("SendSDP: %v", err)
	}

	select {
	case env := <-w1.envelopes:
		if env.Type != signaling.TypeSDP || env.ClientID != 1 || env.SDP == nil || *env.SDP != offer {
			t.Errorf("received: %+v", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sdp")
	}

	idx := uint16(0)
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host", SDPMLineIndex: &idx}
	if err := first.SendICE(1, candidate); err != nil {
		t.Fatalf("SendICE: %v", err)
	}

	select {
	case env := <-w2.envelopes:
		if env.Type != signaling.TypeICE || env.ClientID != 0 || env.ICE == nil || env.ICE.Candidate != candidate.Candidate {
			t.Errorf("received: %+v", env)
		}
		if env.ICE.SDPMLineIndex == nil || *env.ICE.SDPMLineIndex != 0 {
			t.Errorf("sdpMLineIndex lost: %+v", env.ICE)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ice")
	}
}

// TestClientWatchEndsOnClose verifies Watch returns once the client closes.
func TestClientWatchEndsOnClose(t *testing.T) {
	_, _, url := startRelay(t, nil)

	c, err := signaling.Dial(context.Background(), url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	w := watch(c)
	<-w.joined

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return")
	}
}
