// Package frames encodes the signaling frames exchanged between two peers
// while they negotiate a WebRTC connection, as WebRtcSignalingFrame
// protobuf messages. See signalingProto for the schema.
package frames

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

type Type int32

const (
	TypeUnknown Type = iota
	TypeOffer
	TypeAnswer
	TypeReadyForSignalingPoke
	TypeIceCandidates
)

func (t Type) String() string {
	switch t {
	case TypeOffer:
		return "OFFER"
	case TypeAnswer:
		return "ANSWER"
	case TypeReadyForSignalingPoke:
		return "READY_FOR_SIGNALING_POKE"
	case TypeIceCandidates:
		return "ICE_CANDIDATES"
	}
	return "UNKNOWN"
}

var ErrMalformed = errors.New("frames: malformed signaling frame")

// Frame is a decoded signaling frame.
type Frame struct {
	SenderID      string
	Type          Type
	Offer         *webrtc.SessionDescription
	Answer        *webrtc.SessionDescription
	Poke          bool
	IceCandidates []webrtc.ICECandidateInit
}

func (f *Frame) HasSenderID() bool { return f.SenderID != "" }

func EncodeReadyForSignalingPoke(senderID string) []byte {
	m := newFrame(senderID, TypeReadyForSignalingPoke)
	m.Mutable(schema.poke)
	return marshal(m)
}

func EncodeOffer(senderID string, sdp string) []byte {
	m := newFrame(senderID, TypeOffer)
	m.Mutable(schema.offer).Message().Set(schema.offerSDP, protoreflect.ValueOfString(sdp))
	return marshal(m)
}

func EncodeAnswer(senderID string, sdp string) []byte {
	m := newFrame(senderID, TypeAnswer)
	m.Mutable(schema.answer).Message().Set(schema.answerSDP, protoreflect.ValueOfString(sdp))
	return marshal(m)
}

func EncodeIceCandidates(senderID string, candidates []webrtc.ICECandidateInit) []byte {
	m := newFrame(senderID, TypeIceCandidates)
	list := m.Mutable(schema.iceCandidates).Message().Mutable(schema.candidates).List()
	for _, c := range candidates {
		item := list.AppendMutable().Message()
		item.Set(schema.candidateSDP, protoreflect.ValueOfString(c.Candidate))
		if c.SDPMid != nil {
			item.Set(schema.candidateMid, protoreflect.ValueOfString(*c.SDPMid))
		}
		if c.SDPMLineIndex != nil {
			item.Set(schema.candidateLine, protoreflect.ValueOfInt32(int32(*c.SDPMLineIndex)))
		}
	}
	return marshal(m)
}

func newFrame(senderID string, t Type) *dynamicpb.Message {
	m := dynamicpb.NewMessage(schema.frame)
	m.Mutable(schema.senderID).Message().Set(schema.peerIDID, protoreflect.ValueOfString(senderID))
	m.Set(schema.frameType, protoreflect.ValueOfEnum(protoreflect.EnumNumber(t)))
	return m
}

// marshal writes fields in number order. It only fails on missing required
// fields, and the schema has none.
func marshal(m proto.Message) []byte {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	if err != nil {
		panic("frames: " + err.Error())
	}
	return b
}

// Decode parses a signaling frame. Unknown fields are skipped.
func Decode(b []byte) (*Frame, error) {
	m := dynamicpb.NewMessage(schema.frame)
	if err := proto.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	f := &Frame{
		SenderID: m.Get(schema.senderID).Message().Get(schema.peerIDID).String(),
		Type:     Type(m.Get(schema.frameType).Enum()),
		Poke:     m.Has(schema.poke),
	}
	if m.Has(schema.offer) {
		sdp := m.Get(schema.offer).Message().Get(schema.offerSDP).String()
		f.Offer = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	}
	if m.Has(schema.answer) {
		sdp := m.Get(schema.answer).Message().Get(schema.answerSDP).String()
		f.Answer = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	}
	if m.Has(schema.iceCandidates) {
		list := m.Get(schema.iceCandidates).Message().Get(schema.candidates).List()
		for i := 0; i < list.Len(); i++ {
			f.IceCandidates = append(f.IceCandidates, decodeCandidate(list.Get(i).Message()))
		}
	}
	return f, nil
}

func decodeCandidate(item protoreflect.Message) webrtc.ICECandidateInit {
	c := webrtc.ICECandidateInit{Candidate: item.Get(schema.candidateSDP).String()}
	if item.Has(schema.candidateMid) {
		mid := item.Get(schema.candidateMid).String()
		c.SDPMid = &mid
	}
	if item.Has(schema.candidateLine) {
		line := uint16(item.Get(schema.candidateLine).Int())
		c.SDPMLineIndex = &line
	}
	return c
}
