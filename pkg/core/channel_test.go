package core

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/protobuf/proto"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/orderer"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/osdi23p228/fabric/protoutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func channelList(t *testing.T, names ...string) *peer.ProposalResponse {
	resp := &peer.ChannelQueryResponse{}
	for _, name := range names {
		resp.Channels = append(resp.Channels, &peer.ChannelInfo{ChannelId: name})
	}
	payload, err := proto.Marshal(resp)
	require.NoError(t, err)
	return endorsement(string(payload))
}

func TestChannelsList(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := newFakeNetwork("", orgPeers...)
	network.endorsers["peer0"].resp = channelList(t, "mychannel")
	network.endorsers["peer1"].resp = channelList(t, "mychannel", "other")
	network.endorsers["peer2"].resp = channelList(t)
	c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

	names, err := c.Channels().List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"mychannel", "other"}, names)
	assert.Zero(t, network.rec.count("broadcast"))
}

func writeChannelTx(t *testing.T, channel string, headerType common.HeaderType) string {
	configUpdateEnv, err := proto.Marshal(&common.ConfigUpdateEnvelope{ConfigUpdate: []byte("config update")})
	require.NoError(t, err)
	channelHeader, err := proto.Marshal(&common.ChannelHeader{Type: int32(headerType), ChannelId: channel})
	require.NoError(t, err)
	payload, err := proto.Marshal(&common.Payload{
		Header: &common.Header{ChannelHeader: channelHeader},
		Data:   configUpdateEnv,
	})
	require.NoError(t, err)
	data, err := proto.Marshal(&common.Envelope{Payload: payload})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), channel+".tx")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestChannelsCreate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	t.Run("signed config update is broadcast", func(t *testing.T) {
		network := newFakeNetwork("", orgPeers...)
		c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

		verdict, err := c.Channels().Create(context.Background(), "mychannel", writeChannelTx(t, "mychannel", common.HeaderType_CONFIG_UPDATE))
		require.NoError(t, err)
		assert.Equal(t, "Channel mychannel created Successfully", verdict.Message)

		require.Len(t, network.orderer.broadcasts, 1)
		payload, err := protoutil.UnmarshalPayload(network.orderer.broadcasts[0].Payload)
		require.NoError(t, err)
		channelHeader, err := protoutil.UnmarshalChannelHeader(payload.Header.ChannelHeader)
		require.NoError(t, err)
		assert.Equal(t, int32(common.HeaderType_CONFIG_UPDATE), channelHeader.Type)
		assert.Equal(t, "mychannel", channelHeader.ChannelId)

		configUpdateEnv := &common.ConfigUpdateEnvelope{}
		require.NoError(t, proto.Unmarshal(payload.Data, configUpdateEnv))
		assert.Equal(t, []byte("config update"), configUpdateEnv.ConfigUpdate)
		require.Len(t, configUpdateEnv.Signatures, 1)
		assert.Equal(t, []byte("signature"), configUpdateEnv.Signatures[0].Signature)
	})

	t.Run("orderer rejects", func(t *testing.T) {
		network := newFakeNetwork("", orgPeers...)
		network.orderer.status = common.Status_BAD_REQUEST
		c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

		verdict, err := c.Channels().Create(context.Background(), "mychannel", writeChannelTx(t, "mychannel", common.HeaderType_CONFIG_UPDATE))
		f := requireKind(t, err, OrderingRejected)
		assert.Equal(t, "BAD_REQUEST", f.Status)
		assert.False(t, verdict.Success)
	})

	t.Run("mismatched channel", func(t *testing.T) {
		network := newFakeNetwork("", orgPeers...)
		c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

		_, err := c.Channels().Create(context.Background(), "mychannel", writeChannelTx(t, "other", common.HeaderType_CONFIG_UPDATE))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatched channel ID")
		assert.Empty(t, network.orderer.broadcasts)
	})

	t.Run("missing artifact", func(t *testing.T) {
		network := newFakeNetwork("", orgPeers...)
		c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

		_, err := c.Channels().Create(context.Background(), "mychannel", filepath.Join(t.TempDir(), "missing.tx"))
		require.Error(t, err)
		assert.Empty(t, network.orderer.broadcasts)
	})
}

func TestChannelsJoin(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	genesis := &common.Block{Header: &common.BlockHeader{Number: 0}}

	t.Run("all peers join", func(t *testing.T) {
		network := newFakeNetwork("", orgPeers...)
		network.orderer.block = genesis
		c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

		verdict, err := c.Channels().Join(context.Background(), "mychannel")
		require.NoError(t, err)
		assert.True(t, verdict.Success)

		require.Len(t, network.orderer.delivers, 1)
		payload, err := protoutil.UnmarshalPayload(network.orderer.delivers[0].Payload)
		require.NoError(t, err)
		seekInfo := &orderer.SeekInfo{}
		require.NoError(t, proto.Unmarshal(payload.Data, seekInfo))
		assert.Equal(t, uint64(0), seekInfo.Start.GetSpecified().Number)
		assert.Equal(t, uint64(0), seekInfo.Stop.GetSpecified().Number)

		for _, p := range orgPeers {
			assert.Equal(t, 1, network.rec.count("propose:"+p))
		}
	})

	t.Run("one peer fails", func(t *testing.T) {
		network := newFakeNetwork("", orgPeers...)
		network.orderer.block = genesis
		network.endorsers["peer1"].resp = refusal(500, "cannot create ledger from genesis block: ledger already exists")
		c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

		verdict, err := c.Channels().Join(context.Background(), "mychannel")
		f := requireKind(t, err, EndorsementDisagreement)
		assert.Equal(t, []string{"peer1"}, f.Peers)
		assert.False(t, verdict.Success)
	})

	t.Run("no genesis block", func(t *testing.T) {
		network := newFakeNetwork("", orgPeers...)
		c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

		_, err := c.Channels().Join(context.Background(), "mychannel")
		requireKind(t, err, TransportFailure)
		for _, p := range orgPeers {
			assert.Zero(t, network.rec.count("propose:"+p))
		}
	})
}

func TestChannelsBlockByTxID(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	block := &common.Block{Header: &common.BlockHeader{Number: 12}, Data: &common.BlockData{Data: [][]byte{[]byte("tx")}}}
	blockBytes, err := proto.Marshal(block)
	require.NoError(t, err)

	t.Run("found", func(t *testing.T) {
		network := newFakeNetwork(string(blockBytes), orgPeers...)
		c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer1"})

		got, err := c.Channels().BlockByTxID(context.Background(), "mychannel", "tx1")
		require.NoError(t, err)
		assert.Equal(t, uint64(12), got.Header.Number)
		assert.Equal(t, [][]byte{[]byte("tx")}, got.Data.Data)

		// only the query peer is asked and nothing is ordered
		assert.Equal(t, 1, network.rec.count("propose:peer1"))
		assert.Zero(t, network.rec.count("propose:peer0"))
		assert.Zero(t, network.rec.count("broadcast"))
	})

	t.Run("unknown transaction", func(t *testing.T) {
		network := newFakeNetwork("", orgPeers...)
		network.endorsers["peer0"].resp = refusal(500, "Failed to get block for txID tx1")
		c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

		_, err := c.Channels().BlockByTxID(context.Background(), "mychannel", "tx1")
		f := requireKind(t, err, EndorsementDisagreement)
		assert.Equal(t, []string{"Failed to get block for txID tx1"}, f.Reasons)
	})
}
