// Package proto holds the wire messages exchanged between members and
// between a node and its clients.
package proto

type ViewID struct {
	Epoch  uint64 `protobuf:"varint,1,opt,name=epoch,proto3"`
	Leader string `protobuf:"bytes,2,opt,name=leader,proto3"`
}

func (*ViewID) Reset()         {}
func (*ViewID) String() string { return "ViewID" }
func (*ViewID) ProtoMessage()  {}

type Member struct {
	Id     string `protobuf:"bytes,1,opt,name=id,proto3"`
	Prefix string `protobuf:"bytes,2,opt,name=prefix,proto3"`
}

func (*Member) Reset()         {}
func (*Member) String() string { return "Member" }
func (*Member) ProtoMessage()  {}

type PubKey struct {
	Producer string `protobuf:"bytes,1,opt,name=producer,proto3"`
	Seq      uint64 `protobuf:"varint,2,opt,name=seq,proto3"`
}

func (*PubKey) Reset()         {}
func (*PubKey) String() string { return "PubKey" }
func (*PubKey) ProtoMessage()  {}

type StateEntry struct {
	Node string `protobuf:"bytes,1,opt,name=node,proto3"`
	Seq  uint64 `protobuf:"varint,2,opt,name=seq,proto3"`
}

func (*StateEntry) Reset()         {}
func (*StateEntry) String() string { return "StateEntry" }
func (*StateEntry) ProtoMessage()  {}

type Publication struct {
	Producer  string        `protobuf:"bytes,1,opt,name=producer,proto3"`
	Index     int32         `protobuf:"varint,2,opt,name=index,proto3"`
	Seq       uint64        `protobuf:"varint,3,opt,name=seq,proto3"`
	View      *ViewID       `protobuf:"bytes,4,opt,name=view,proto3"`
	Vector    []*StateEntry `protobuf:"bytes,5,rep,name=vector,proto3"`
	Payload   []byte        `protobuf:"bytes,6,opt,name=payload,proto3"`
	Signature []byte        `protobuf:"bytes,7,opt,name=signature,proto3"`
}

func (*Publication) Reset()         {}
func (*Publication) String() string { return "Publication" }
func (*Publication) ProtoMessage()  {}

// Envelope carries every member-to-member message.
type Envelope struct {
	Kind    uint32       `protobuf:"varint,1,opt,name=kind,proto3"`
	From    string       `protobuf:"bytes,2,opt,name=from,proto3"`
	View    *ViewID      `protobuf:"bytes,3,opt,name=view,proto3"`
	Vector  []uint64     `protobuf:"varint,4,rep,packed,name=vector,proto3"`
	Fetch   *PubKey      `protobuf:"bytes,5,opt,name=fetch,proto3"`
	Data    *Publication `protobuf:"bytes,6,opt,name=data,proto3"`
	Members []*Member    `protobuf:"bytes,7,rep,name=members,proto3"`
}

func (*Envelope) Reset()         {}
func (*Envelope) String() string { return "Envelope" }
func (*Envelope) ProtoMessage()  {}

type Empty struct{}

func (*Empty) Reset()         {}
func (*Empty) String() string { return "Empty" }
func (*Empty) ProtoMessage()  {}

type PublishRequest struct {
	ClientId string `protobuf:"bytes,1,opt,name=client_id,json=clientId,proto3"`
	Sequence uint64 `protobuf:"varint,2,opt,name=sequence,proto3"`
	Payload  []byte `protobuf:"bytes,3,opt,name=payload,proto3"`
}

func (*PublishRequest) Reset()         {}
func (*PublishRequest) String() string { return "PublishRequest" }
func (*PublishRequest) ProtoMessage()  {}

type PublishReply struct {
	Name   string   `protobuf:"bytes,1,opt,name=name,proto3"`
	Seq    uint64   `protobuf:"varint,2,opt,name=seq,proto3"`
	View   *ViewID  `protobuf:"bytes,3,opt,name=view,proto3"`
	Vector []uint64 `protobuf:"varint,4,rep,packed,name=vector,proto3"`
}

func (*PublishReply) Reset()         {}
func (*PublishReply) String() string { return "PublishReply" }
func (*PublishReply) ProtoMessage()  {}

type StatusReply struct {
	Self      string    `protobuf:"bytes,1,opt,name=self,proto3"`
	View      *ViewID   `protobuf:"bytes,2,opt,name=view,proto3"`
	Members   []*Member `protobuf:"bytes,3,rep,name=members,proto3"`
	Vector    []uint64  `protobuf:"varint,4,rep,packed,name=vector,proto3"`
	Leader    bool      `protobuf:"varint,5,opt,name=leader,proto3"`
	State     string    `protobuf:"bytes,6,opt,name=state,proto3"`
	Published uint64    `protobuf:"varint,7,opt,name=published,proto3"`
	Fetched   uint64    `protobuf:"varint,8,opt,name=fetched,proto3"`
	Missing   uint64    `protobuf:"varint,9,opt,name=missing,proto3"`
	Delivered uint64    `protobuf:"varint,10,opt,name=delivered,proto3"`
}

func (*StatusReply) Reset()         {}
func (*StatusReply) String() string { return "StatusReply" }
func (*StatusReply) ProtoMessage()  {}
