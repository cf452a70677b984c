package transport

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestStateMapping(t *testing.T) {
	pcCases := []struct {
		in   webrtc.PeerConnectionState
		want ConnState
	}{
		{webrtc.PeerConnectionStateNew, StateNew},
		{webrtc.PeerConnectionStateConnecting, StateChecking},
		{webrtc.PeerConnectionStateConnected, StateConnected},
		{webrtc.PeerConnectionStateDisconnected, StateDisconnected},
		{webrtc.PeerConnectionStateFailed, StateFailed},
		{webrtc.PeerConnectionStateClosed, StateClosed},
	}
	for _, tc := range pcCases {
		if got := fromPeerConnectionState(tc.in); got != tc.want {
			t.Errorf("fromPeerConnectionState(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}

	iceCases := []struct {
		in   webrtc.ICEConnectionState
		want ConnState
	}{
		{webrtc.ICEConnectionStateNew, StateNew},
		{webrtc.ICEConnectionStateChecking, StateChecking},
		{webrtc.ICEConnectionStateConnected, StateConnected},
		{webrtc.ICEConnectionStateCompleted, StateConnected},
		{webrtc.ICEConnectionStateDisconnected, StateDisconnected},
		{webrtc.ICEConnectionStateFailed, StateFailed},
		{webrtc.ICEConnectionStateClosed, StateClosed},
	}
	for _, tc := range iceCases {
		if got := fromICEConnectionState(tc.in); got != tc.want {
			t.Errorf("fromICEConnectionState(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestConnStateFatal(t *testing.T) {
	fatal := map[ConnState]bool{
		StateNew:          false,
		StateChecking:     false,
		StateConnected:    false,
		StateDisconnected: true,
		StateFailed:       true,
		StateClosed:       true,
	}
	for s, want := range fatal {
		if s.Fatal() != want {
			t.Errorf("%s.Fatal() = %v, want %v", s, s.Fatal(), want)
		}
	}
}
