package core

import (
	"context"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
)

// Signer is the caller's identity: it signs proposals and envelopes and
// serializes itself into the creator field of headers
type Signer interface {
	Sign(msg []byte) ([]byte, error)
	Serialize() ([]byte, error)
}

// Endorser processes signed proposals on a single peer
type Endorser interface {
	ProcessProposal(ctx context.Context, signedProposal *peer.SignedProposal) (*peer.ProposalResponse, error)
}

// Orderer is the ordering service
type Orderer interface {
	// Broadcast submits one envelope and returns the status the orderer answered with
	Broadcast(ctx context.Context, envelope *common.Envelope) (common.Status, error)
	// Deliver sends a seek envelope and returns the first block delivered
	Deliver(ctx context.Context, envelope *common.Envelope) (*common.Block, error)
}

// CommitEvent is a peer's report of the validation outcome of a transaction
type CommitEvent struct {
	Peer           string
	TxID           string
	ValidationCode peer.TxValidationCode
	BlockNumber    uint64
}

// EventSource is a peer-local subscription to commit events of one channel
type EventSource interface {
	Peer() string
	Connect(ctx context.Context) error
	Disconnect()
	// RegisterTxEvent calls onEvent when txID is committed, or onError when the
	// source fails. At most one of them is called. The returned function removes
	// the registration.
	RegisterTxEvent(txID string, onEvent func(CommitEvent), onError func(error)) (func(), error)
}

// Network is the ledger network client the orchestration core runs against
type Network interface {
	Endorser(peerName string) (Endorser, error)
	Orderer() (Orderer, error)
	EventSource(peerName, channel string) (EventSource, error)
}
