package sealbox

// InboundSession is the decoded form of an inbound session record: the
// cryptographic material for decrypting messages received in one room.
type InboundSession struct {
	RoomID    string
	SessionID string
	SenderKey string
	Pickle    []byte // opaque serialized session material
	BackedUp  bool
}

// pickledSession is the serialized form of an InboundSession. In the
// legacy table the whole pickled session was the (codec-serialized)
// record value; in the current table it is nested, codec-serialized,
// inside sessionRecord.Pickle.
type pickledSession struct {
	RoomID    string `json:"room_id"`
	SessionID string `json:"session_id"`
	SenderKey string `json:"sender_key"`
	Pickle    []byte `json:"pickle"`
	BackedUp  bool   `json:"backed_up"`
}

// sessionRecord is the stored value shape in inbound_sessions2. The
// outer JSON stays plaintext so the needs_backup index can read its
// field; only the nested pickle carries the confidentiality transform.
type sessionRecord struct {
	Pickle      []byte `json:"pickle"`
	NeedsBackup bool   `json:"needs_backup"`
}

func (s *InboundSession) toPickled() *pickledSession {
	return &pickledSession{
		RoomID:    s.RoomID,
		SessionID: s.SessionID,
		SenderKey: s.SenderKey,
		Pickle:    s.Pickle,
		BackedUp:  s.BackedUp,
	}
}

func (p *pickledSession) toSession() *InboundSession {
	return &InboundSession{
		RoomID:    p.RoomID,
		SessionID: p.SessionID,
		SenderKey: p.SenderKey,
		Pickle:    p.Pickle,
		BackedUp:  p.BackedUp,
	}
}

// RoomSettings holds per-room encryption settings
type RoomSettings struct {
	Algorithm               string `json:"algorithm"`
	OnlyAllowTrustedDevices bool   `json:"only_allow_trusted_devices"`
}

// GossipRequest is an outgoing request for a secret or session key.
// Info and Unsent stay plaintext in the stored value: both back a
// secondary index.
type GossipRequest struct {
	ID          string `json:"id"`
	RecipientID string `json:"recipient_id"`
	Info        string `json:"info"`
	Unsent      bool   `json:"unsent"`
}

// NewGossipRequest creates an unsent request with a fresh time-ordered ID
func NewGossipRequest(recipientID, info string) *GossipRequest {
	return &GossipRequest{
		ID:          NewRequestID(),
		RecipientID: recipientID,
		Info:        info,
		Unsent:      true,
	}
}

// SecretInboxItem is a secret received from another device, parked until
// the application consumes it.
type SecretInboxItem struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Secret []byte `json:"secret"`
}
