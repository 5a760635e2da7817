package nearbyrtc

import (
	"strings"

	"github.com/google/uuid"
)

// PeerID addresses one end of a signaling exchange.
type PeerID string

func PeerIDFromRandom() PeerID {
	return PeerID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func PeerIDFromString(id string) PeerID { return PeerID(id) }

func (id PeerID) IsValid() bool  { return id != "" }
func (id PeerID) String() string { return string(id) }
