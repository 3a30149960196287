package data

import (
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// PubHash is a SHA-512 digest of a Publication.
type PubHash [64]byte

func (d PubHash) String() string {
	return hex.EncodeToString(d[:])
}

// PubKey addresses one publication: the producer and its sequence number.
type PubKey struct {
	Producer NodeID
	Seq      uint64
}

func (k PubKey) String() string {
	return fmt.Sprintf("%s#%d", k.Producer, k.Seq)
}

// Publication is one published application payload. Seq is the producer's
// clock entry at publish time and Vector the causal context it was published
// under.
type Publication struct {
	Producer  NodeID
	Index     int
	Seq       uint64
	View      ViewID
	Vector    StateVector
	Payload   []byte
	Signature []byte
}

func (p *Publication) Key() PubKey {
	return PubKey{Producer: p.Producer, Seq: p.Seq}
}

// Name is the data name the publication is fetched under.
func (p *Publication) Name() string {
	return fmt.Sprintf("%s/%d/%d", p.Producer, p.View.Epoch, p.Seq)
}

func (p *Publication) String() string {
	return fmt.Sprintf("Publication{Name: %s, Vector: %v, Size: %d}", p.Name(), p.Vector, len(p.Payload))
}

// Digest hashes the signed part of the publication.
func (p *Publication) Digest() PubHash {
	s512 := sha512.New()

	s512.Write([]byte(p.Producer))

	byte8 := make([]byte, 8)
	binary.LittleEndian.PutUint64(byte8, p.Seq)
	s512.Write(byte8)

	binary.LittleEndian.PutUint64(byte8, p.View.Epoch)
	s512.Write(byte8)

	for _, e := range p.Vector {
		s512.Write([]byte(e.Node))
		binary.LittleEndian.PutUint64(byte8, e.Seq)
		s512.Write(byte8)
	}
	s512.Write(p.Payload)

	var h PubHash
	copy(h[:], s512.Sum(nil))
	return h
}

// Clone returns a deep copy.
func (p *Publication) Clone() *Publication {
	c := *p
	c.Vector = p.Vector.Clone()
	c.Payload = append([]byte(nil), p.Payload...)
	c.Signature = append([]byte(nil), p.Signature...)
	return &c
}
