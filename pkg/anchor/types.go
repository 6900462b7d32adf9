package anchor

import "github.com/Mindburn-Labs/anchor/pkg/merkle"

// InclusionProof ties a Merkle proof to the event it proves.
type InclusionProof struct {
	EventID string `json:"event_id"`
	merkle.InclusionProof
}

// Health is the service health snapshot.
type Health struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	OpenWindows int    `json:"open_windows"`
	Subscribers int    `json:"subscribers"`
	Emitted     int64  `json:"notifications_emitted"`
	Dropped     int64  `json:"notifications_dropped"`
}
