package vsync

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joe-zxh/vsync/consensus"
	"github.com/joe-zxh/vsync/internal/proto"
)

// clientRequest remembers the last publish of a client so a retried request
// is answered without publishing twice.
type clientRequest struct {
	seq   uint64
	reply *proto.PublishReply
}

// clientServer is the application facing service.
type clientServer struct {
	*Node
}

func (srv *clientServer) Publish(_ context.Context, req *proto.PublishRequest) (*proto.PublishReply, error) {
	if req.ClientId == "" {
		return nil, status.Error(codes.InvalidArgument, "client id is required")
	}
	srv.mut.Lock()
	defer srv.mut.Unlock()
	if last, ok := srv.requests[req.ClientId]; ok && req.Sequence <= last.seq {
		if req.Sequence == last.seq {
			return last.reply, nil
		}
		return nil, status.Errorf(codes.AlreadyExists, "request %d of %s is older than %d", req.Sequence, req.ClientId, last.seq)
	}

	var reply *proto.PublishReply
	var err error
	ok := srv.Do(func(c *consensus.VSyncCore) {
		pub, perr := c.Publish(req.Payload)
		if perr != nil {
			err = perr
			return
		}
		reply = &proto.PublishReply{
			Name:   pub.Name(),
			Seq:    pub.Seq,
			View:   proto.ViewIDToProto(pub.View),
			Vector: c.Vector(),
		}
	})
	switch {
	case !ok || errors.Is(err, consensus.ErrClosed):
		return nil, status.Error(codes.Unavailable, "node is closed")
	case errors.Is(err, consensus.ErrNotMember):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	srv.requests[req.ClientId] = &clientRequest{seq: req.Sequence, reply: reply}
	return reply, nil
}

func (srv *clientServer) Status(context.Context, *proto.Empty) (*proto.StatusReply, error) {
	st, ok := srv.Node.Status()
	if !ok {
		return nil, status.Error(codes.Unavailable, "node is closed")
	}
	return &proto.StatusReply{
		Self:      string(st.Self),
		View:      proto.ViewIDToProto(st.ViewID),
		Members:   proto.MembersToProto(st.View.Members()),
		Vector:    st.Vector,
		Leader:    st.Leader,
		State:     st.State.String(),
		Published: st.Published,
		Fetched:   st.Fetched,
		Missing:   st.Missing,
		Delivered: st.Delivered,
	}, nil
}

// Leave announces the departure and closes the node once the reply is out.
func (srv *clientServer) Leave(context.Context, *proto.Empty) (*proto.Empty, error) {
	if !srv.Do(func(c *consensus.VSyncCore) { c.Leave() }) {
		return nil, status.Error(codes.Unavailable, "node is closed")
	}
	time.AfterFunc(drainTimeout, srv.Close)
	return &proto.Empty{}, nil
}
