package flow

import (
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
)

type ownership int

const (
	empty ownership = iota
	owned
	released
)

// SessionDescription holds one SDP offer or answer until it is released to
// a peer connection. Clone makes an independent deep copy. A nil
// *SessionDescription is empty.
type SessionDescription struct {
	ownership ownership
	desc      webrtc.SessionDescription
}

func NewSessionDescription(desc webrtc.SessionDescription) *SessionDescription {
	return &SessionDescription{ownership: owned, desc: desc}
}

// ParseSessionDescription checks raw with the SDP parser and keeps its
// re-serialized form.
func ParseSessionDescription(typ webrtc.SDPType, raw string) (*SessionDescription, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}
	b, err := parsed.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}
	return NewSessionDescription(webrtc.SessionDescription{Type: typ, SDP: string(b)}), nil
}

func (s *SessionDescription) IsValid() bool {
	return s != nil && s.ownership == owned
}

func (s *SessionDescription) Type() webrtc.SDPType {
	if !s.IsValid() {
		return webrtc.SDPType(0)
	}
	return s.desc.Type
}

func (s *SessionDescription) SDP() string {
	if !s.IsValid() {
		return ""
	}
	return s.desc.SDP
}

func (s *SessionDescription) String() string { return s.SDP() }

// Clone returns a deep copy, or an empty description when s is not valid
// or does not parse.
func (s *SessionDescription) Clone() *SessionDescription {
	if !s.IsValid() {
		return &SessionDescription{}
	}
	c, err := ParseSessionDescription(s.desc.Type, s.desc.SDP)
	if err != nil {
		return &SessionDescription{}
	}
	return c
}

// Release hands the description over. s is invalid afterwards.
func (s *SessionDescription) Release() (desc webrtc.SessionDescription, ok bool) {
	if !s.IsValid() {
		return desc, false
	}
	desc = s.desc
	s.desc = webrtc.SessionDescription{}
	s.ownership = released
	return desc, true
}
