package api

import (
	"context"

	"google.golang.org/grpc"
)

// RaftMessage carries one marshaled raft message to a peer.
type RaftMessage struct {
	To      uint64 `json:"to"`
	Message []byte `json:"message"`
}

// RaftAck closes a transport stream.
type RaftAck struct{}

type RaftTransport_SendClient interface {
	Send(*RaftMessage) error
	CloseAndRecv() (*RaftAck, error)
	grpc.ClientStream
}

type RaftTransport_SendServer interface {
	Recv() (*RaftMessage, error)
	SendAndClose(*RaftAck) error
	Context() context.Context
}

type RaftTransportClient interface {
	Send(ctx context.Context, opts ...grpc.CallOption) (RaftTransport_SendClient, error)
}

type RaftTransportServer interface {
	Send(RaftTransport_SendServer) error
}

type raftTransportClient struct {
	cc grpc.ClientConnInterface
}

func NewRaftTransportClient(cc grpc.ClientConnInterface) RaftTransportClient {
	return &raftTransportClient{cc: cc}
}

func (c *raftTransportClient) Send(ctx context.Context, opts ...grpc.CallOption) (RaftTransport_SendClient, error) {
	stream, err := c.cc.NewStream(ctx, &raftTransportServiceDesc.Streams[0], "/tabula.api.RaftTransport/Send", opts...)
	if err != nil {
		return nil, err
	}
	return &raftTransportSendClient{ClientStream: stream}, nil
}

type raftTransportSendClient struct {
	grpc.ClientStream
}

func (s *raftTransportSendClient) Send(msg *RaftMessage) error {
	return s.ClientStream.SendMsg(msg)
}

func (s *raftTransportSendClient) CloseAndRecv() (*RaftAck, error) {
	if err := s.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(RaftAck)
	if err := s.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}

type raftTransportSendServer struct {
	grpc.ServerStream
}

func (s *raftTransportSendServer) Recv() (*RaftMessage, error) {
	msg := new(RaftMessage)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *raftTransportSendServer) SendAndClose(ack *RaftAck) error {
	return s.ServerStream.SendMsg(ack)
}

func _RaftTransport_Send_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RaftTransportServer).Send(&raftTransportSendServer{ServerStream: stream})
}

var raftTransportServiceDesc = grpc.ServiceDesc{
	ServiceName: "tabula.api.RaftTransport",
	HandlerType: (*RaftTransportServer)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Send", Handler: _RaftTransport_Send_Handler, ClientStreams: true},
	},
}

func RegisterRaftTransportServer(s grpc.ServiceRegistrar, srv RaftTransportServer) {
	s.RegisterService(&raftTransportServiceDesc, srv)
}
