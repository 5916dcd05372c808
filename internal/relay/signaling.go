package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/katulong/katulong/internal/logger"
)

// signalRelay tracks every WebRTC peer connection created for P2P output
// delivery, so graceful shutdown can tear them all down alongside the WS
// connections they're attached to.
type signalRelay struct {
	mu    sync.Mutex
	peers map[*peerConn]struct{}
}

func newSignalRelay() *signalRelay {
	return &signalRelay{peers: make(map[*peerConn]struct{})}
}

func (r *signalRelay) track(p *peerConn) {
	r.mu.Lock()
	r.peers[p] = struct{}{}
	r.mu.Unlock()
}

func (r *signalRelay) untrack(p *peerConn) {
	r.mu.Lock()
	delete(r.peers, p)
	r.mu.Unlock()
}

func (r *signalRelay) closeAll() {
	r.mu.Lock()
	peers := make([]*peerConn, 0, len(r.peers))
	for p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

// peerConn wraps one pion PeerConnection plus the single output data
// channel opened on it, labeled pty:<session> per SPEC_FULL.md's P2P
// transport note.
type peerConn struct {
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	open atomic.Bool
}

// negotiateSignal answers an incoming SDP offer with a new peer connection,
// which replaces and closes any previous one held by wc.
func (wc *wsConn) negotiateSignal(rel *signalRelay, session string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return nil, err
	}

	peer := &peerConn{pc: pc}

	dc, err := pc.CreateDataChannel("pty:"+session, nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	peer.dc = dc
	dc.OnOpen(func() { peer.open.Store(true) })
	dc.OnClose(func() { peer.open.Store(false) })

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return nil, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, err
	}

	wc.mu.Lock()
	old := wc.peer
	wc.peer = peer
	wc.mu.Unlock()
	if old != nil {
		rel.untrack(old)
		old.close()
	}
	rel.track(peer)

	return pc.LocalDescription(), nil
}

func (p *peerConn) dataChannelOpen() bool {
	return p != nil && p.open.Load()
}

func (p *peerConn) sendData(data []byte) {
	if p == nil || p.dc == nil {
		return
	}
	if err := p.dc.Send(data); err != nil {
		logger.Warn("relay: webrtc data channel send failed", "error", err)
	}
}

func (p *peerConn) close() {
	if p == nil {
		return
	}
	if p.dc != nil {
		_ = p.dc.Close()
	}
	if p.pc != nil {
		_ = p.pc.Close()
	}
}

// wsHandleSignal routes an incoming p2p-signal message: an SDP offer
// negotiates (or renegotiates) the peer connection and replies with the
// answer on the same WS; an ICE candidate is applied to the existing peer.
func (s *Server) wsHandleSignal(wc *wsConn, data []byte) {
	var msg struct {
		Type      string                   `json:"type"`
		Session   string                   `json:"session"`
		Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
		Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	wc.mu.Lock()
	peer := wc.peer
	wc.mu.Unlock()

	switch {
	case msg.Offer != nil:
		answer, err := wc.negotiateSignal(s.webrtc, msg.Session, *msg.Offer)
		if err != nil {
			wc.writeJSON(map[string]any{"type": "error", "message": err.Error()})
			return
		}
		wc.writeJSON(map[string]any{"type": "p2p-signal", "answer": answer})
	case msg.Candidate != nil && peer != nil:
		_ = peer.pc.AddICECandidate(*msg.Candidate)
	}
}
