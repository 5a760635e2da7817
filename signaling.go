package nearbyrtc

import (
	"github.com/pion/webrtc/v3"
	"github.com/shynome/nearbyrtc/flow"
	"github.com/shynome/nearbyrtc/frames"
)

// processSignalingMessage handles one inbound frame. Called with w.mu held.
func (w *WebRTC) processSignalingMessage(info *connectionInfo, message []byte) {
	logger := w.infoLogger(info)
	if info.flow == nil {
		w.disconnectLocked(info, "signaling frame before signaling was started")
		return
	}

	frame, err := frames.Decode(message)
	if err != nil {
		w.disconnectLocked(info, "failed to parse signaling frame: "+err.Error())
		return
	}
	if !frame.HasSenderID() {
		w.disconnectLocked(info, "signaling frame without a sender id")
		return
	}

	if frame.Poke && !info.peerID.IsValid() {
		info.peerID = PeerID(frame.SenderID)
		logger.Info().Str("peer", frame.SenderID).Msg("peer is ready for signaling")
	}
	if !info.isSignaling() {
		logger.Info().Str("type", frame.Type.String()).Msg("ignoring signaling frame, not signaling yet")
		return
	}
	if frame.SenderID != info.peerID.String() {
		logger.Info().Str("sender", frame.SenderID).Msg("ignoring signaling frame from another peer")
		return
	}
	info.restarts = 0

	switch {
	case frame.Poke:
		w.sendOfferAndIceCandidates(info)
	case frame.Offer != nil:
		if err := info.flow.OnOfferReceived(flow.NewSessionDescription(*frame.Offer)); err != nil {
			w.disconnectLocked(info, "failed to apply remote offer: "+err.Error())
			return
		}
		w.sendAnswer(info)
	case frame.Answer != nil:
		if err := info.flow.OnAnswerReceived(flow.NewSessionDescription(*frame.Answer)); err != nil {
			w.disconnectLocked(info, "failed to apply remote answer: "+err.Error())
		}
	case frame.Type == frames.TypeIceCandidates:
		if err := info.flow.OnRemoteIceCandidatesReceived(frame.IceCandidates); err != nil {
			w.disconnectLocked(info, "could not add remote ice candidates: "+err.Error())
		}
	default:
		logger.Info().Str("type", frame.Type.String()).Msg("ignoring signaling frame of unknown type")
	}
}

func (w *WebRTC) sendOfferAndIceCandidates(info *connectionInfo) {
	if len(info.pendingOffer) == 0 {
		w.disconnectLocked(info, "no local offer to send")
		return
	}
	if err := w.send(info, info.pendingOffer); err != nil {
		w.disconnectLocked(info, "failed to send local offer: "+err.Error())
		return
	}
	info.pendingOffer = nil

	if len(info.pendingCandidates) == 0 {
		return
	}
	candidates := info.pendingCandidates
	info.pendingCandidates = nil
	if err := w.send(info, frames.EncodeIceCandidates(info.selfID.String(), candidates)); err != nil {
		w.infoLogger(info).Warn().Err(err).Int("candidates", len(candidates)).Msg("failed to send staged ice candidates")
	}
}

func (w *WebRTC) sendAnswer(info *connectionInfo) {
	answer, err := info.flow.CreateAnswer()
	if err != nil {
		w.disconnectLocked(info, "failed to create answer: "+err.Error())
		return
	}
	message := frames.EncodeAnswer(info.selfID.String(), answer.SDP())
	if err := info.flow.SetLocalSessionDescription(answer); err != nil {
		w.disconnectLocked(info, "failed to set local answer: "+err.Error())
		return
	}
	if err := w.send(info, message); err != nil {
		w.disconnectLocked(info, "failed to send local answer: "+err.Error())
	}
}

// onLocalIceCandidate stages c until a peer is known, then sends it
// straight away. Called with w.mu held.
func (w *WebRTC) onLocalIceCandidate(info *connectionInfo, c webrtc.ICECandidateInit) {
	if !info.isSignaling() {
		info.pendingCandidates = append(info.pendingCandidates, c)
		return
	}
	if err := w.send(info, frames.EncodeIceCandidates(info.selfID.String(), []webrtc.ICECandidateInit{c})); err != nil {
		w.infoLogger(info).Warn().Err(err).Msg("failed to send ice candidate")
	}
}
