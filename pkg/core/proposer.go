package core

import (
	"context"
	"time"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultProposalTimeout bounds the endorsement phase of install, instantiate and invoke
const DefaultProposalTimeout = 60 * time.Second

// Proposer builds one proposal and collects the endorsement of every target peer
type Proposer struct {
	network Network
	signer  Signer
	timeout time.Duration
	logger  log.FieldLogger
}

func NewProposer(network Network, signer Signer, timeout time.Duration, logger log.FieldLogger) *Proposer {
	if timeout <= 0 {
		timeout = DefaultProposalTimeout
	}
	return &Proposer{
		network: network,
		signer:  signer,
		timeout: timeout,
		logger:  logger,
	}
}

// Propose signs a proposal for txID and sends it to every target in parallel.
// Responses are returned in target order; a peer that cannot be reached is
// reported through PeerResponse.Err rather than failing the call.
func (p *Proposer) Propose(
	ctx context.Context,
	txID TxID,
	headerType common.HeaderType,
	channel string,
	cis *peer.ChaincodeInvocationSpec,
	targets []string,
) (*EndorsedProposal, error) {
	if len(targets) == 0 {
		return nil, errors.New("no target peers to send the proposal to")
	}

	proposal, err := createProposal(txID, headerType, channel, cis)
	if err != nil {
		return nil, err
	}

	signedProposal, err := signProposal(p.signer, proposal)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	responses := make([]*PeerResponse, len(targets))
	g := &errgroup.Group{}
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			responses[i] = p.process(ctx, target, signedProposal)
			return nil
		})
	}
	_ = g.Wait()

	return &EndorsedProposal{
		TxID:           txID,
		Channel:        channel,
		Proposal:       proposal,
		SignedProposal: signedProposal,
		Responses:      responses,
	}, nil
}

func (p *Proposer) process(ctx context.Context, target string, signedProposal *peer.SignedProposal) *PeerResponse {
	result := &PeerResponse{Peer: target}

	endorser, err := p.network.Endorser(target)
	if err != nil {
		result.Err = errors.WithMessage(err, "error getting endorser client")
		return result
	}

	resp, err := endorser.ProcessProposal(ctx, signedProposal)
	if err != nil {
		p.logger.WithField("peer", target).Errorf("Error processing proposal: %v", err)
		result.Err = errors.WithMessage(err, "error processing proposal")
		return result
	}

	result.Response = resp
	return result
}
