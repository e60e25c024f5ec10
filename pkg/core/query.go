package core

import (
	"bytes"
	"context"
	"time"

	"github.com/osdi23p228/fabric-protos-go/common"
	log "github.com/sirupsen/logrus"
)

// Query evaluates a chaincode function on the query peers without touching the
// ledger: nothing is ordered and no commit is awaited. Identical payloads are
// collapsed, distinct ones are all returned in peer order.
func (c *Coordinator) Query(ctx context.Context, req QueryRequest) ([]interface{}, error) {
	channel := c.channel(req.Channel)

	txID, err := NewTxID(c.signer)
	if err != nil {
		c.metrics.addOutcome("query", err)
		return nil, err
	}
	logger := c.logger.WithFields(log.Fields{"op": "query", "txid": txID.ID, "channel": channel})

	start := time.Now()
	ep, err := c.proposer.Propose(ctx, txID, common.HeaderType_ENDORSER_TRANSACTION, channel,
		invocationSpec(req.Chaincode, req.Function, req.Args), c.opts.QueryPeers)
	if err != nil {
		c.metrics.addOutcome("query", err)
		return nil, err
	}
	c.metrics.keepPhase("query", phaseEndorse, start)

	if err := ValidateEndorsements(ep.Responses); err != nil {
		logger.Errorf("Query failed: %v", err)
		c.metrics.addOutcome("query", err)
		return nil, err
	}

	var payloads [][]byte
	for _, r := range ep.Responses {
		payloads = appendDistinct(payloads, r.Response.Response.Payload)
	}
	if len(payloads) > 1 {
		logger.Warnf("Peers returned %d different results", len(payloads))
	}

	results := make([]interface{}, len(payloads))
	for i, payload := range payloads {
		results[i] = decodePayload(payload)
	}
	c.metrics.addOutcome("query", nil)
	return results, nil
}

func appendDistinct(payloads [][]byte, payload []byte) [][]byte {
	for _, p := range payloads {
		if bytes.Equal(p, payload) {
			return payloads
		}
	}
	return append(payloads, payload)
}
