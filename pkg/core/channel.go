package core

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Channels creates channels, joins the organization's peers to them and lists
// the channels those peers belong to
type Channels struct {
	network    Network
	signer     Signer
	peers      []string
	queryPeers []string
	proposer   *Proposer
	submitter  *Submitter
	metrics    *Metrics
	logger     log.FieldLogger
}

// Channels returns the channel lifecycle bound to the coordinator's organization
func (c *Coordinator) Channels() *Channels {
	return &Channels{
		network:    c.network,
		signer:     c.signer,
		peers:      c.opts.Peers,
		queryPeers: c.opts.QueryPeers,
		proposer:   c.proposer,
		submitter:  c.submitter,
		metrics:    c.metrics,
		logger:     c.logger,
	}
}

// List returns the union of the channels joined by the organization's peers,
// in the order they were first seen
func (ch *Channels) List(ctx context.Context) ([]string, error) {
	txID, err := NewTxID(ch.signer)
	if err != nil {
		return nil, err
	}

	ep, err := ch.proposer.Propose(ctx, txID, common.HeaderType_ENDORSER_TRANSACTION, "",
		systemInvocation(cscc, []byte(csccGetChannels)), ch.peers)
	if err != nil {
		ch.metrics.addOutcome("channel_list", err)
		return nil, err
	}

	if err := ValidateEndorsements(ep.Responses); err != nil {
		ch.metrics.addOutcome("channel_list", err)
		return nil, err
	}

	var names []string
	for _, r := range ep.Responses {
		channelQueryResponse := &peer.ChannelQueryResponse{}
		if err := proto.Unmarshal(r.Response.Response.Payload, channelQueryResponse); err != nil {
			err = errors.Wrapf(err, "cannot read channel list of peer %s", r.Peer)
			ch.metrics.addOutcome("channel_list", err)
			return nil, err
		}
		for _, info := range channelQueryResponse.Channels {
			names = append(names, info.ChannelId)
		}
	}

	ch.metrics.addOutcome("channel_list", nil)
	return dedup(names), nil
}

// Create submits the channel creation transaction read from channelTxPath,
// signed once by the caller
func (ch *Channels) Create(ctx context.Context, name, channelTxPath string) (*Verdict, error) {
	logger := ch.logger.WithFields(log.Fields{"op": "channel_create", "channel": name})

	envelope, err := ch.createChannelTx(name, channelTxPath)
	if err != nil {
		return ch.finish("channel_create", nil, err)
	}

	start := time.Now()
	if err := ch.submitter.Broadcast(ctx, envelope); err != nil {
		logger.Errorf("Failed to create the channel: %v", err)
		return ch.finish("channel_create", nil, err)
	}
	ch.metrics.keepPhase("channel_create", phaseOrder, start)

	logger.Infof("Successfully created the channel %s", name)
	return ch.finish("channel_create", &Verdict{
		Success: true,
		Message: fmt.Sprintf("Channel %s created Successfully", name),
	}, nil)
}

func (ch *Channels) createChannelTx(name, channelTxPath string) (*common.Envelope, error) {
	data, err := os.ReadFile(channelTxPath)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading channel configuration %s", channelTxPath)
	}

	configUpdateEnv, err := extractConfigUpdate(name, data)
	if err != nil {
		return nil, err
	}

	signature, err := ch.signConfigUpdate(configUpdateEnv.ConfigUpdate)
	if err != nil {
		return nil, err
	}
	configUpdateEnv.Signatures = []*common.ConfigSignature{signature}

	envelope, err := protoutil.CreateSignedEnvelope(common.HeaderType_CONFIG_UPDATE, name, ch.signer, configUpdateEnv, 0, 0)
	if err != nil {
		return nil, errors.Wrap(err, "error creating signed envelope")
	}
	return envelope, nil
}

// extractConfigUpdate unwraps the config update of a channel creation transaction
func extractConfigUpdate(name string, data []byte) (*common.ConfigUpdateEnvelope, error) {
	envelope := &common.Envelope{}
	if err := proto.Unmarshal(data, envelope); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling channel configuration envelope")
	}

	payload, err := protoutil.UnmarshalPayload(envelope.Payload)
	if err != nil {
		return nil, err
	}
	if payload.Header == nil {
		return nil, errors.New("channel configuration has no header")
	}

	channelHeader, err := protoutil.UnmarshalChannelHeader(payload.Header.ChannelHeader)
	if err != nil {
		return nil, err
	}
	if channelHeader.Type != int32(common.HeaderType_CONFIG_UPDATE) {
		return nil, errors.Errorf("bad type %d in channel configuration, expected CONFIG_UPDATE", channelHeader.Type)
	}
	if channelHeader.ChannelId != name {
		return nil, errors.Errorf("mismatched channel ID %s != %s", channelHeader.ChannelId, name)
	}

	configUpdateEnv := &common.ConfigUpdateEnvelope{}
	if err := proto.Unmarshal(payload.Data, configUpdateEnv); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling ConfigUpdateEnvelope")
	}
	return configUpdateEnv, nil
}

func (ch *Channels) signConfigUpdate(configUpdate []byte) (*common.ConfigSignature, error) {
	creator, err := ch.signer.Serialize()
	if err != nil {
		return nil, errors.Wrap(err, "error serializing identity")
	}
	nonce, err := getRandomNonce()
	if err != nil {
		return nil, err
	}

	sigHeader, err := proto.Marshal(&common.SignatureHeader{Creator: creator, Nonce: nonce})
	if err != nil {
		return nil, errors.Wrap(err, "error marshaling SignatureHeader")
	}

	msg := make([]byte, 0, len(sigHeader)+len(configUpdate))
	msg = append(msg, sigHeader...)
	msg = append(msg, configUpdate...)
	signature, err := ch.signer.Sign(msg)
	if err != nil {
		return nil, errors.Wrap(err, "error signing config update")
	}

	return &common.ConfigSignature{
		SignatureHeader: sigHeader,
		Signature:       signature,
	}, nil
}

// Join fetches the genesis block of the channel from the orderer and asks
// every peer of the organization to join it. All of them must succeed.
func (ch *Channels) Join(ctx context.Context, name string) (*Verdict, error) {
	logger := ch.logger.WithFields(log.Fields{"op": "channel_join", "channel": name})

	block, err := ch.genesisBlock(ctx, name)
	if err != nil {
		return ch.finish("channel_join", nil, err)
	}
	blockBytes, err := proto.Marshal(block)
	if err != nil {
		return ch.finish("channel_join", nil, errors.Wrap(err, "error marshaling genesis block"))
	}

	txID, err := NewTxID(ch.signer)
	if err != nil {
		return ch.finish("channel_join", nil, err)
	}

	start := time.Now()
	ep, err := ch.proposer.Propose(ctx, txID, common.HeaderType_CONFIG, "",
		systemInvocation(cscc, []byte(csccJoinChain), blockBytes), ch.peers)
	if err != nil {
		return ch.finish("channel_join", nil, err)
	}
	ch.metrics.keepPhase("channel_join", phaseEndorse, start)

	if err := ValidateEndorsements(ep.Responses); err != nil {
		logger.Errorf("Failed to join peers to the channel: %v", err)
		return ch.finish("channel_join", nil, err)
	}

	logger.Infof("Successfully joined %d peers to the channel", len(ch.peers))
	return ch.finish("channel_join", &Verdict{
		Success: true,
		Message: fmt.Sprintf("Successfully joined peers to the channel %s", name),
	}, nil)
}

func (ch *Channels) genesisBlock(ctx context.Context, name string) (*common.Block, error) {
	seek, err := NewDeliverEnvelope(ch.signer, name, SeekSpecified(0), SeekSpecified(0))
	if err != nil {
		return nil, errors.Wrap(err, "error creating deliver request")
	}

	orderer, err := ch.network.Orderer()
	if err != nil {
		return nil, transportFailure("", errors.WithMessage(err, "error getting orderer client"))
	}

	block, err := orderer.Deliver(ctx, seek)
	if err != nil {
		return nil, transportFailure("", errors.WithMessage(err, "error fetching genesis block"))
	}
	if block == nil {
		return nil, transportFailure("", errors.Errorf("orderer returned no genesis block for channel %s", name))
	}
	return block, nil
}

// BlockByTxID asks the query peers for the block of channel that holds txID
func (ch *Channels) BlockByTxID(ctx context.Context, channel, txID string) (*common.Block, error) {
	id, err := NewTxID(ch.signer)
	if err != nil {
		ch.metrics.addOutcome("channel_block", err)
		return nil, err
	}

	ep, err := ch.proposer.Propose(ctx, id, common.HeaderType_ENDORSER_TRANSACTION, channel,
		systemInvocation(qscc, []byte(qsccGetBlockByTxID), []byte(channel), []byte(txID)), ch.queryPeers)
	if err != nil {
		ch.metrics.addOutcome("channel_block", err)
		return nil, err
	}

	if err := ValidateEndorsements(ep.Responses); err != nil {
		ch.logger.Errorf("Failed to query block of transaction %s: %v", txID, err)
		ch.metrics.addOutcome("channel_block", err)
		return nil, err
	}

	block, err := protoutil.UnmarshalBlock(ep.Responses[0].Response.Response.Payload)
	if err != nil {
		err = errors.WithMessagef(err, "cannot read block of peer %s", ep.Responses[0].Peer)
		ch.metrics.addOutcome("channel_block", err)
		return nil, err
	}

	ch.metrics.addOutcome("channel_block", nil)
	return block, nil
}

func (ch *Channels) finish(operation string, verdict *Verdict, err error) (*Verdict, error) {
	ch.metrics.addOutcome(operation, err)
	if err != nil {
		return failed(err)
	}
	return verdict, nil
}
