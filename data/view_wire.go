package data

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type memberWire struct {
	Id     string `protobuf:"bytes,1,opt,name=id,proto3"`
	Prefix string `protobuf:"bytes,2,opt,name=prefix,proto3"`
}

func (*memberWire) Reset()         {}
func (*memberWire) String() string { return "MemberInfo" }
func (*memberWire) ProtoMessage()  {}

type viewInfoWire struct {
	Members []*memberWire `protobuf:"bytes,1,rep,name=members,proto3"`
}

func (*viewInfoWire) Reset()         {}
func (*viewInfoWire) String() string { return "ViewInfo" }
func (*viewInfoWire) ProtoMessage()  {}

// Encode serialises the roster for out-of-band bootstrap.
func (vi *ViewInfo) Encode() ([]byte, error) {
	w := &viewInfoWire{Members: make([]*memberWire, 0, len(vi.members))}
	for _, m := range vi.members {
		w.Members = append(w.Members, &memberWire{Id: string(m.ID), Prefix: m.Prefix})
	}
	b, err := proto.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode view info: %w", err)
	}
	return b, nil
}

// DecodeViewInfo is the inverse of Encode.
func DecodeViewInfo(b []byte) (*ViewInfo, error) {
	var w viewInfoWire
	if err := proto.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidViewEncoding, err)
	}
	if len(w.Members) == 0 {
		return nil, fmt.Errorf("%w: empty roster", ErrInvalidViewEncoding)
	}
	members := make([]MemberInfo, 0, len(w.Members))
	for _, m := range w.Members {
		if m == nil {
			return nil, fmt.Errorf("%w: nil member", ErrInvalidViewEncoding)
		}
		id, err := ParseNodeID(m.Id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidViewEncoding, err)
		}
		if string(id) != m.Id {
			return nil, fmt.Errorf("%w: member %q is not in canonical form %q", ErrInvalidViewEncoding, m.Id, id)
		}
		members = append(members, MemberInfo{ID: id, Prefix: m.Prefix})
	}
	vi, err := NewViewInfo(members)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidViewEncoding, err)
	}
	return vi, nil
}
