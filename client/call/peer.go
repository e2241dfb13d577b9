package call

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"heartline/pkg/logger"
)

// DefaultRTCConfig returns the standard STUN configuration
func DefaultRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// PionPeer implements Peer over a pion PeerConnection carrying one audio
// transceiver. Candidates trickle: each one is surfaced individually as it is
// discovered, with no gathering barrier.
type PionPeer struct {
	pc *webrtc.PeerConnection

	mu         sync.Mutex
	localTrack webrtc.TrackLocal
	sender     *webrtc.RTPSender
	onICE      func(candidate []byte)
	onFailure  func(reason string)
}

// NewPionPeer creates the peer connection. localTrack is the captured audio
// track (e.g. from pion/mediadevices); nil creates a recv-only peer.
func NewPionPeer(cfg webrtc.Configuration, localTrack webrtc.TrackLocal) (*PionPeer, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &PionPeer{pc: pc, localTrack: localTrack}

	if localTrack != nil {
		sender, err := pc.AddTrack(localTrack)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add local track: %w", err)
		}
		p.sender = sender
	} else {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to add audio transceiver: %w", err)
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		p.mu.Lock()
		fn := p.onICE
		p.mu.Unlock()
		if fn == nil {
			return
		}
		payload, err := json.Marshal(cand.ToJSON())
		if err != nil {
			logger.Debug("failed to encode candidate", zap.Error(err))
			return
		}
		fn(payload)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("peer connection state", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed {
			p.mu.Lock()
			fn := p.onFailure
			p.mu.Unlock()
			if fn != nil {
				fn("peer connection failed")
			}
		}
	})

	return p, nil
}

// CreateOffer produces and installs the local offer
func (p *PionPeer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local offer: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer produces and installs the local answer; the remote offer must
// already be set
func (p *PionPeer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local answer: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteOffer installs the counterpart's offer
func (p *PionPeer) SetRemoteOffer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

// SetRemoteAnswer installs the counterpart's answer
func (p *PionPeer) SetRemoteAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// AddICECandidate applies one trickled candidate
func (p *PionPeer) AddICECandidate(candidate []byte) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("malformed candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

// OnICECandidate registers the trickle callback
func (p *PionPeer) OnICECandidate(fn func(candidate []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = fn
}

// OnFailure registers the media-failure callback
func (p *PionPeer) OnFailure(fn func(reason string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFailure = fn
}

// SetMuted pauses or resumes the outbound track by swapping it off the
// sender. Local only; nothing is signaled.
func (p *PionPeer) SetMuted(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sender == nil {
		return fmt.Errorf("no outbound track")
	}
	if muted {
		return p.sender.ReplaceTrack(nil)
	}
	return p.sender.ReplaceTrack(p.localTrack)
}

// Close releases the peer connection and with it the device media
func (p *PionPeer) Close() error {
	return p.pc.Close()
}
