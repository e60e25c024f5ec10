package core

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var orgPeers = []string{"peer0", "peer1", "peer2"}

func TestNewRequiresPeers(t *testing.T) {
	network := newFakeNetwork("", orgPeers...)

	_, err := New(network, fakeSigner{}, Options{DefaultPeer: "peer0"}, nil, testLogger())
	require.Error(t, err)

	_, err = New(network, fakeSigner{}, Options{Peers: orgPeers}, nil, testLogger())
	require.Error(t, err)
}

func TestInstall(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	t.Run("all peers endorse", func(t *testing.T) {
		network := newFakeNetwork("", orgPeers...)
		c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

		verdict, err := c.Install(context.Background(), InstallRequest{
			Name:        "mqtt",
			Version:     "v0",
			Path:        "github.com/mqtt",
			CodePackage: []byte("package"),
		})
		require.NoError(t, err)
		assert.True(t, verdict.Success)
		assert.Equal(t, "Successfully install chaincode.", verdict.Message)

		for _, p := range orgPeers {
			assert.Equal(t, 1, network.rec.count("propose:"+p))
		}
		assert.Zero(t, network.rec.count("broadcast"))
	})

	t.Run("one peer refuses", func(t *testing.T) {
		network := newFakeNetwork("", orgPeers...)
		network.endorsers["peer2"].resp = refusal(500, "chaincode mqtt:v0 already exists")
		c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

		verdict, err := c.Install(context.Background(), InstallRequest{Name: "mqtt", Version: "v0"})
		f := requireKind(t, err, EndorsementDisagreement)
		assert.False(t, verdict.Success)
		assert.Equal(t, []string{"chaincode mqtt:v0 already exists"}, f.Reasons)
		assert.Equal(t, []string{"peer2"}, f.Peers)
		assert.Contains(t, verdict.Message, "already exists")
	})
}

func TestInvoke(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := newFakeNetwork(`{"id":"001","opened":true}`, orgPeers...)
	c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

	verdict, err := c.Invoke(context.Background(), InvokeRequest{
		Chaincode: "mqtt",
		Function:  "add",
		Args:      []string{"001", "1", "2018", "dev", "true", "A"},
	})
	require.NoError(t, err)
	require.True(t, verdict.Success)
	assert.NotEmpty(t, verdict.TxID)
	assert.Equal(t, map[string]interface{}{"id": "001", "opened": true}, verdict.Payload)

	// only the default peer endorses, every org peer is watched
	assert.Equal(t, 1, network.rec.count("propose:peer0"))
	assert.Zero(t, network.rec.count("propose:peer1"))
	for _, p := range orgPeers {
		assert.Equal(t, 1, network.rec.count("register:"+p))
		assert.Equal(t, verdict.TxID, network.sources[p].txID)
		assert.True(t, network.sources[p].released())
	}
	assert.Len(t, network.orderer.broadcasts, 1)
}

func TestInvokeArmsBeforeOrdering(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := newFakeNetwork("ok", orgPeers...)
	c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

	_, err := c.Invoke(context.Background(), InvokeRequest{Chaincode: "mqtt", Function: "add"})
	require.NoError(t, err)

	calls := network.rec.list()
	broadcast := -1
	for i, call := range calls {
		if call == "broadcast" {
			broadcast = i
		}
	}
	require.NotEqual(t, -1, broadcast)
	for _, p := range orgPeers {
		registered := -1
		for i, call := range calls {
			if call == "register:"+p {
				registered = i
			}
		}
		require.NotEqual(t, -1, registered, "%s was never registered", p)
		assert.Less(t, registered, broadcast, "%s registered after the broadcast: %v", p, calls)
	}
}

func TestInvokeOrdererRejectionIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := newFakeNetwork("ok", orgPeers...)
	network.orderer.status = common.Status_BAD_REQUEST
	c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

	verdict, err := c.Invoke(context.Background(), InvokeRequest{Chaincode: "mqtt", Function: "add"})
	f := requireKind(t, err, OrderingRejected)
	assert.Equal(t, "BAD_REQUEST", f.Status)
	assert.False(t, verdict.Success)
	assert.Contains(t, verdict.Message, "BAD_REQUEST")

	// every peer reported VALID before the orderer answered, yet the operation failed
	for _, p := range orgPeers {
		assert.Equal(t, []peer.TxValidationCode{peer.TxValidationCode_VALID}, network.sources[p].deliveries(), p)
		assert.True(t, network.sources[p].released())
	}
}

func TestInvokeOrdererUnreachable(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := newFakeNetwork("ok", orgPeers...)
	network.orderer.err = errors.New("connection refused")
	c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

	_, err := c.Invoke(context.Background(), InvokeRequest{Chaincode: "mqtt", Function: "add"})
	requireKind(t, err, TransportFailure)
	assert.Contains(t, err.Error(), "connection refused")
	for _, p := range orgPeers {
		assert.True(t, network.sources[p].released())
	}
}

func TestInvokeInvalidCommit(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := newFakeNetwork("ok", orgPeers...)
	network.sources["peer1"].code = peer.TxValidationCode_INVALID_OTHER_REASON
	c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

	verdict, err := c.Invoke(context.Background(), InvokeRequest{Chaincode: "mqtt", Function: "add"})
	f := requireKind(t, err, CommitInvalid)
	assert.Equal(t, "peer1", f.Peer)
	assert.Equal(t, "INVALID_OTHER_REASON", f.Code)
	assert.Len(t, f.Causes, 1)
	assert.Contains(t, verdict.Message, "INVALID_OTHER_REASON")
}

func TestInvokeCommitTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := newFakeNetwork("ok", orgPeers...)
	network.sources["peer2"].silent = true
	c := newTestCoordinator(t, network, Options{
		Peers:         orgPeers,
		DefaultPeer:   "peer0",
		InvokeTimeout: 50 * time.Millisecond,
	})

	start := time.Now()
	_, err := c.Invoke(context.Background(), InvokeRequest{Chaincode: "mqtt", Function: "add"})
	f := requireKind(t, err, CommitTimeout)
	assert.Equal(t, "peer2", f.Peer)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.True(t, network.sources["peer2"].released())
}

func TestInvokeMultipleCommitFailures(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := newFakeNetwork("ok", orgPeers...)
	network.sources["peer0"].code = peer.TxValidationCode_MVCC_READ_CONFLICT
	network.sources["peer2"].silent = true
	c := newTestCoordinator(t, network, Options{
		Peers:         orgPeers,
		DefaultPeer:   "peer0",
		InvokeTimeout: 50 * time.Millisecond,
	})

	_, err := c.Invoke(context.Background(), InvokeRequest{Chaincode: "mqtt", Function: "add"})
	f := requireKind(t, err, CommitInvalid)
	assert.Equal(t, "MVCC_READ_CONFLICT", f.Code)
	require.Len(t, f.Causes, 2)
	assert.Equal(t, CommitTimeout, KindOf(f.Causes[1]))
}

func TestInvokeMalformedResponse(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := newFakeNetwork("ok", orgPeers...)
	network.endorsers["peer0"].resp = &peer.ProposalResponse{Payload: []byte("simulation results")}
	c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

	verdict, err := c.Invoke(context.Background(), InvokeRequest{Chaincode: "mqtt", Function: "add"})
	f := requireKind(t, err, EndorsementDisagreement)
	assert.Equal(t, []string{malformedResponse}, f.Reasons)
	assert.False(t, verdict.Success)

	assert.Zero(t, network.rec.count("broadcast"))
	for _, p := range orgPeers {
		assert.Zero(t, network.rec.count("register:"+p))
	}
}

func TestInvokeArmFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := newFakeNetwork("ok", orgPeers...)
	network.sources["peer2"].connectErr = errors.New("no route to host")
	c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

	_, err := c.Invoke(context.Background(), InvokeRequest{Chaincode: "mqtt", Function: "add"})
	f := requireKind(t, err, TransportFailure)
	assert.Equal(t, "peer2", f.Peer)

	assert.Zero(t, network.rec.count("broadcast"))
	assert.True(t, network.sources["peer0"].released())
	assert.True(t, network.sources["peer1"].released())
}

func TestInstantiate(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := newFakeNetwork("", orgPeers...)
	c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

	verdict, err := c.Instantiate(context.Background(), InstantiateRequest{
		Name:     "mqtt",
		Version:  "v0",
		Function: "init",
	})
	require.NoError(t, err)
	assert.True(t, verdict.Success)
	assert.Equal(t, "Successfully instantiate chaincode to the channel mychannel.", verdict.Message)
	assert.NotEmpty(t, verdict.TxID)

	for _, p := range orgPeers {
		assert.Equal(t, 1, network.rec.count("propose:"+p))
		assert.True(t, network.sources[p].released())
	}
}

func TestInstantiateDivergentPayloads(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	network := newFakeNetwork("", orgPeers...)
	network.endorsers["peer1"].resp.Payload = []byte("other results")
	c := newTestCoordinator(t, network, Options{Peers: orgPeers, DefaultPeer: "peer0"})

	verdict, err := c.Instantiate(context.Background(), InstantiateRequest{Name: "mqtt", Version: "v0"})
	f := requireKind(t, err, EndorsementDisagreement)
	assert.Equal(t, []string{"ProposalResponsePayloads from Peers do not match"}, f.Reasons)
	assert.True(t, strings.Contains(verdict.Message, "do not match"), verdict.Message)
	assert.Empty(t, network.orderer.broadcasts)
	for _, p := range orgPeers {
		assert.True(t, network.sources[p].released())
	}
}

func TestCoordinatorMetrics(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	network := newFakeNetwork("ok", orgPeers...)
	network.orderer.status = common.Status_SERVICE_UNAVAILABLE
	c, err := New(network, fakeSigner{}, Options{Peers: orgPeers, DefaultPeer: "peer0", Channel: "mychannel"}, metrics, testLogger())
	require.NoError(t, err)

	_, err = c.Install(context.Background(), InstallRequest{Name: "mqtt", Version: "v0"})
	require.NoError(t, err)
	_, err = c.Invoke(context.Background(), InvokeRequest{Chaincode: "mqtt", Function: "add"})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("install", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.operations.WithLabelValues("invoke", "ordering_rejected")))
}
