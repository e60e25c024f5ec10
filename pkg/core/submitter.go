package core

import (
	"context"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Submitter sends endorsed transactions to the ordering service
type Submitter struct {
	network Network
	signer  Signer
	logger  log.FieldLogger
}

func NewSubmitter(network Network, signer Signer, logger log.FieldLogger) *Submitter {
	return &Submitter{
		network: network,
		signer:  signer,
		logger:  logger,
	}
}

// Submit assembles the transaction envelope out of the proposal and its
// endorsements and broadcasts it exactly once. Only SUCCESS is accepted.
func (s *Submitter) Submit(ctx context.Context, e *EndorsedProposal) error {
	envelope, err := createSignedTx(s.signer, e)
	if err != nil {
		return errors.WithMessage(err, "could not assemble transaction")
	}
	e.Envelope = envelope

	return s.Broadcast(ctx, envelope)
}

// Broadcast sends one envelope to the orderer
func (s *Submitter) Broadcast(ctx context.Context, envelope *common.Envelope) error {
	orderer, err := s.network.Orderer()
	if err != nil {
		return transportFailure("", errors.WithMessage(err, "error getting orderer client"))
	}

	status, err := orderer.Broadcast(ctx, envelope)
	if err != nil {
		return transportFailure("", errors.WithMessage(err, "error broadcasting envelope"))
	}

	if status != common.Status_SUCCESS {
		s.logger.Errorf("Failed to order the transaction. Error code: %s", status)
		return &Failure{Kind: OrderingRejected, Status: status.String()}
	}
	return nil
}
