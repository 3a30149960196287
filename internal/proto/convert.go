// The proto types are what travels on the wire; the data types are what the
// engine keeps. This file converts between the two.
package proto

import (
	"errors"
	"fmt"

	"github.com/golang/protobuf/proto"
	"github.com/joe-zxh/vsync/data"
)

// ErrMalformed is returned for envelopes that decode but make no sense.
var ErrMalformed = errors.New("malformed message")

func ViewIDToProto(v data.ViewID) *ViewID {
	return &ViewID{Epoch: v.Epoch, Leader: string(v.Leader)}
}

func (v *ViewID) FromProto() data.ViewID {
	if v == nil {
		return data.ViewID{}
	}
	return data.ViewID{Epoch: v.GetEpoch(), Leader: data.NodeID(v.GetLeader())}
}

func (v *ViewID) GetEpoch() uint64 {
	if v == nil {
		return 0
	}
	return v.Epoch
}

func (v *ViewID) GetLeader() string {
	if v == nil {
		return ""
	}
	return v.Leader
}

func MembersToProto(ms []data.MemberInfo) []*Member {
	if len(ms) == 0 {
		return nil
	}
	out := make([]*Member, 0, len(ms))
	for _, m := range ms {
		out = append(out, &Member{Id: string(m.ID), Prefix: m.Prefix})
	}
	return out
}

func MembersFromProto(ms []*Member) ([]data.MemberInfo, error) {
	if len(ms) == 0 {
		return nil, nil
	}
	out := make([]data.MemberInfo, 0, len(ms))
	for _, m := range ms {
		if m == nil || m.Id == "" {
			return nil, fmt.Errorf("%w: member without id", ErrMalformed)
		}
		out = append(out, data.MemberInfo{ID: data.NodeID(m.Id), Prefix: m.Prefix})
	}
	return out, nil
}

func PublicationToProto(p *data.Publication) *Publication {
	vec := make([]*StateEntry, 0, len(p.Vector))
	for _, e := range p.Vector {
		vec = append(vec, &StateEntry{Node: string(e.Node), Seq: e.Seq})
	}
	return &Publication{
		Producer:  string(p.Producer),
		Index:     int32(p.Index),
		Seq:       p.Seq,
		View:      ViewIDToProto(p.View),
		Vector:    vec,
		Payload:   p.Payload,
		Signature: p.Signature,
	}
}

func (p *Publication) FromProto() (*data.Publication, error) {
	if p.Producer == "" || p.Seq == 0 {
		return nil, fmt.Errorf("%w: publication without producer or sequence", ErrMalformed)
	}
	vec := make(data.StateVector, 0, len(p.Vector))
	for _, e := range p.Vector {
		if e == nil {
			return nil, fmt.Errorf("%w: nil state entry", ErrMalformed)
		}
		vec = append(vec, data.StateEntry{Node: data.NodeID(e.Node), Seq: e.Seq})
	}
	return &data.Publication{
		Producer:  data.NodeID(p.Producer),
		Index:     int(p.Index),
		Seq:       p.Seq,
		View:      p.View.FromProto(),
		Vector:    vec,
		Payload:   p.Payload,
		Signature: p.Signature,
	}, nil
}

func MessageToProto(m *data.Message) *Envelope {
	e := &Envelope{
		Kind:    uint32(m.Kind),
		From:    string(m.From),
		View:    ViewIDToProto(m.View),
		Members: MembersToProto(m.Members),
	}
	if len(m.Vector) > 0 {
		e.Vector = append([]uint64(nil), m.Vector...)
	}
	if m.Kind == data.KindFetch {
		e.Fetch = &PubKey{Producer: string(m.Fetch.Producer), Seq: m.Fetch.Seq}
	}
	if m.Data != nil {
		e.Data = PublicationToProto(m.Data)
	}
	return e
}

func (e *Envelope) FromProto() (*data.Message, error) {
	kind := data.MsgKind(e.Kind)
	if kind == data.KindUnknown || kind > data.KindViewRequest {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, e.Kind)
	}
	if e.From == "" {
		return nil, fmt.Errorf("%w: no sender", ErrMalformed)
	}
	m := &data.Message{
		Kind: kind,
		From: data.NodeID(e.From),
		View: e.View.FromProto(),
	}
	if len(e.Vector) > 0 {
		m.Vector = data.VersionVector(append([]uint64(nil), e.Vector...))
	}
	if e.Fetch != nil {
		m.Fetch = data.PubKey{Producer: data.NodeID(e.Fetch.Producer), Seq: e.Fetch.Seq}
	}
	var err error
	if e.Data != nil {
		if m.Data, err = e.Data.FromProto(); err != nil {
			return nil, err
		}
	}
	if m.Members, err = MembersFromProto(e.Members); err != nil {
		return nil, err
	}
	switch kind {
	case data.KindFetch:
		if e.Fetch == nil || e.Fetch.Producer == "" {
			return nil, fmt.Errorf("%w: fetch without key", ErrMalformed)
		}
	case data.KindData:
		if m.Data == nil {
			return nil, fmt.Errorf("%w: data without publication", ErrMalformed)
		}
	case data.KindPropose, data.KindAck, data.KindCommit:
		if len(m.Members) == 0 {
			return nil, fmt.Errorf("%w: %v without roster", ErrMalformed, kind)
		}
	}
	return m, nil
}

// EncodeMessage serialises m for a datagram style transport.
func EncodeMessage(m *data.Message) ([]byte, error) {
	b, err := proto.Marshal(MessageToProto(m))
	if err != nil {
		return nil, fmt.Errorf("encode %v: %w", m.Kind, err)
	}
	return b, nil
}

func DecodeMessage(b []byte) (*data.Message, error) {
	var e Envelope
	if err := proto.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return e.FromProto()
}

func EncodePublication(p *data.Publication) ([]byte, error) {
	b, err := proto.Marshal(PublicationToProto(p))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Name(), err)
	}
	return b, nil
}

func DecodePublication(b []byte) (*data.Publication, error) {
	var p Publication
	if err := proto.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p.FromProto()
}
