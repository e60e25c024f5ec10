package core

import (
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
)

// TxID identifies one logical operation. ID is derived from Nonce and Creator.
type TxID struct {
	ID      string
	Nonce   []byte
	Creator []byte
}

// PeerResponse is the endorsement result of one target peer. Err is set when
// the peer could not be reached or refused the proposal at the RPC level.
type PeerResponse struct {
	Peer     string
	Response *peer.ProposalResponse
	Err      error
}

// EndorsedProposal pairs a proposal with the responses computed against it.
// Both travel together up to the orderer.
type EndorsedProposal struct {
	TxID           TxID
	Channel        string
	Proposal       *peer.Proposal
	SignedProposal *peer.SignedProposal
	Responses      []*PeerResponse
	Envelope       *common.Envelope
}

// ProposalResponses returns the raw responses in target order, nil for peers
// that failed at the RPC level
func (e *EndorsedProposal) ProposalResponses() []*peer.ProposalResponse {
	responses := make([]*peer.ProposalResponse, len(e.Responses))
	for i, r := range e.Responses {
		responses[i] = r.Response
	}
	return responses
}

// Verdict is the outcome of an operation
type Verdict struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	TxID    string      `json:"txId,omitempty"`    // instantiate and invoke
	Payload interface{} `json:"payload,omitempty"` // invoke: decoded chaincode response payload
}

func failed(err error) (*Verdict, error) {
	return &Verdict{Success: false, Message: err.Error()}, err
}
