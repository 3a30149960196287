package data

// MsgKind tags a protocol message.
type MsgKind uint32

const (
	KindUnknown MsgKind = iota
	// KindDigest advertises the sender's version vector. Heartbeats are
	// digests too.
	KindDigest
	// KindFetch asks for one publication.
	KindFetch
	// KindData carries one publication.
	KindData
	// KindPropose, KindAck and KindCommit drive a view change. All three
	// carry the full candidate roster.
	KindPropose
	KindAck
	KindCommit
	KindJoin
	KindLeave
	KindViewRequest
)

var kindNames = map[MsgKind]string{
	KindUnknown:     "Unknown",
	KindDigest:      "Digest",
	KindFetch:       "Fetch",
	KindData:        "Data",
	KindPropose:     "Propose",
	KindAck:         "Ack",
	KindCommit:      "Commit",
	KindJoin:        "Join",
	KindLeave:       "Leave",
	KindViewRequest: "ViewRequest",
}

func (k MsgKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Message is the unit exchanged between members. View is the sender's
// committed view, or the candidate id for view-change messages.
type Message struct {
	Kind    MsgKind
	From    NodeID
	View    ViewID
	Vector  VersionVector
	Fetch   PubKey
	Data    *Publication
	Members []MemberInfo
}
