package proto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/joe-zxh/vsync/data"
)

func testPublication() *data.Publication {
	return &data.Publication{
		Producer: "/n2",
		Index:    1,
		Seq:      7,
		View:     data.ViewID{Epoch: 3, Leader: "/n3"},
		Vector:   data.StateVector{{Node: "/n1", Seq: 4}, {Node: "/n2", Seq: 7}},
		Payload:  []byte("hello"),
	}
}

func TestMessageConversion(t *testing.T) {
	cases := []*data.Message{
		{Kind: data.KindDigest, From: "/n1", View: data.ViewID{Epoch: 1, Leader: "/n3"}, Vector: data.VersionVector{1, 0, 5}},
		{Kind: data.KindFetch, From: "/n1", View: data.ViewID{Epoch: 1, Leader: "/n3"}, Fetch: data.PubKey{Producer: "/n2", Seq: 9}},
		{Kind: data.KindData, From: "/n2", View: data.ViewID{Epoch: 3, Leader: "/n3"}, Data: testPublication()},
		{Kind: data.KindPropose, From: "/n1", View: data.ViewID{Epoch: 2, Leader: "/n2"}, Members: []data.MemberInfo{{ID: "/n1", Prefix: "/site/a"}, {ID: "/n2"}}},
		{Kind: data.KindJoin, From: "/n4", Members: []data.MemberInfo{{ID: "/n4"}}},
	}
	for _, want := range cases {
		b, err := EncodeMessage(want)
		if err != nil {
			t.Fatalf("EncodeMessage(%v): %v", want.Kind, err)
		}
		got, err := DecodeMessage(b)
		if err != nil {
			t.Fatalf("DecodeMessage(%v): %v", want.Kind, err)
		}
		if got.Kind != want.Kind || got.From != want.From || got.View != want.View {
			t.Errorf("header mismatch: got %+v, want %+v", got, want)
		}
		if !got.Vector.Equal(want.Vector) {
			t.Errorf("%v vector = %v, want %v", want.Kind, got.Vector, want.Vector)
		}
		if got.Fetch != want.Fetch {
			t.Errorf("%v fetch = %v, want %v", want.Kind, got.Fetch, want.Fetch)
		}
		if len(got.Members) != len(want.Members) {
			t.Fatalf("%v members = %v, want %v", want.Kind, got.Members, want.Members)
		}
		for i := range want.Members {
			if got.Members[i] != want.Members[i] {
				t.Errorf("%v member %d = %v, want %v", want.Kind, i, got.Members[i], want.Members[i])
			}
		}
		if (got.Data == nil) != (want.Data == nil) {
			t.Fatalf("%v data presence differs", want.Kind)
		}
		if want.Data != nil && got.Data.Digest() != want.Data.Digest() {
			t.Errorf("publication changed in transit: %v vs %v", got.Data, want.Data)
		}
	}
}

func TestPublicationConversionKeepsSignature(t *testing.T) {
	p := testPublication()
	p.Signature = []byte{1, 2, 3}
	b, err := EncodePublication(p)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodePublication(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Signature, p.Signature) || got.Index != p.Index {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]*Envelope{
		"unknown kind": {Kind: 99, From: "/n1"},
		"no sender":    {Kind: uint32(data.KindDigest)},
		"empty fetch":  {Kind: uint32(data.KindFetch), From: "/n1"},
		"empty data":   {Kind: uint32(data.KindData), From: "/n1"},
		"no roster":    {Kind: uint32(data.KindCommit), From: "/n1"},
		"bad pub":      {Kind: uint32(data.KindData), From: "/n1", Data: &Publication{Producer: "/n1"}},
	}
	for name, e := range cases {
		if _, err := e.FromProto(); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", name, err)
		}
	}
	if _, err := DecodeMessage([]byte{0xff, 0xff}); !errors.Is(err, ErrMalformed) {
		t.Errorf("garbage: err = %v, want ErrMalformed", err)
	}
}

func FuzzDecodeMessage(f *testing.F) {
	b, _ := EncodeMessage(&data.Message{Kind: data.KindDigest, From: "/n1", Vector: data.VersionVector{1, 2}})
	f.Add(b)
	f.Add([]byte{0x08, 0x03})
	f.Fuzz(func(t *testing.T, b []byte) {
		_, _ = DecodeMessage(b)
	})
}
