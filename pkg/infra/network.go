package infra

import (
	"context"
	"io"
	"sync"

	"github.com/osdi23p228/conductor/pkg/core"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

// Network reaches the peers and the orderer of the configuration over gRPC.
// Connections are dialed on first use and shared by every client of a node.
type Network struct {
	config *Config
	signer core.Signer
	logger log.FieldLogger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewNetwork(config *Config, signer core.Signer, logger log.FieldLogger) *Network {
	return &Network{
		config: config,
		signer: signer,
		logger: logger,
		conns:  map[string]*grpc.ClientConn{},
	}
}

func (n *Network) conn(node Node) (*grpc.ClientConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if conn, ok := n.conns[node.Address]; ok {
		return conn, nil
	}
	conn, err := DialConnection(node, n.config.Timeouts.Dial, n.logger)
	if err != nil {
		return nil, err
	}
	n.conns[node.Address] = conn
	return conn, nil
}

func (n *Network) peerConn(name string) (*grpc.ClientConn, error) {
	node, ok := n.config.Peers[name]
	if !ok {
		return nil, errors.Errorf("peer %s is not declared", name)
	}
	return n.conn(node)
}

func (n *Network) Endorser(peerName string) (core.Endorser, error) {
	conn, err := n.peerConn(peerName)
	if err != nil {
		return nil, err
	}
	return &endorserClient{client: peer.NewEndorserClient(conn)}, nil
}

func (n *Network) Orderer() (core.Orderer, error) {
	conn, err := n.conn(n.config.Orderer)
	if err != nil {
		return nil, err
	}
	return &ordererClient{client: orderer.NewAtomicBroadcastClient(conn)}, nil
}

// EventSource returns a new filtered block stream of channel on peerName
func (n *Network) EventSource(peerName, channel string) (core.EventSource, error) {
	if _, ok := n.config.Peers[peerName]; !ok {
		return nil, errors.Errorf("peer %s is not declared", peerName)
	}
	return NewObserver(peerName, channel, n.peerConn, n.signer, n.logger), nil
}

// Close closes every connection dialed so far
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var err error
	for address, conn := range n.conns {
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "error closing connection to %s", address)
		}
		delete(n.conns, address)
	}
	return err
}

type endorserClient struct {
	client peer.EndorserClient
}

func (e *endorserClient) ProcessProposal(ctx context.Context, signedProposal *peer.SignedProposal) (*peer.ProposalResponse, error) {
	return e.client.ProcessProposal(ctx, signedProposal)
}

type ordererClient struct {
	client orderer.AtomicBroadcastClient
}

// Broadcast opens a broadcast stream, sends envelope and waits for its status
func (o *ordererClient) Broadcast(ctx context.Context, envelope *common.Envelope) (common.Status, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := o.client.Broadcast(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "error opening broadcast stream")
	}

	if err := stream.Send(envelope); err != nil {
		return 0, errors.Wrap(err, "error sending envelope")
	}

	res, err := stream.Recv()
	if err != nil {
		return 0, errors.Wrap(err, "error receiving broadcast response")
	}
	_ = stream.CloseSend()

	return res.Status, nil
}

// Deliver sends a seek request and returns the first block the orderer delivers
func (o *ordererClient) Deliver(ctx context.Context, envelope *common.Envelope) (*common.Block, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := o.client.Deliver(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "error opening deliver stream")
	}

	if err := stream.Send(envelope); err != nil {
		return nil, errors.Wrap(err, "error sending seek request")
	}
	defer stream.CloseSend()

	res, err := stream.Recv()
	if err == io.EOF {
		return nil, errors.New("deliver stream closed before a block was received")
	}
	if err != nil {
		return nil, errors.Wrap(err, "error receiving deliver response")
	}

	switch t := res.Type.(type) {
	case *orderer.DeliverResponse_Block:
		return t.Block, nil
	case *orderer.DeliverResponse_Status:
		return nil, errors.Errorf("can't read the block: %s", t.Status)
	default:
		return nil, errors.Errorf("unknown deliver response type %T", t)
	}
}
