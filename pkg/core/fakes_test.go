package core

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeSigner struct{}

func (fakeSigner) Sign(msg []byte) ([]byte, error) {
	return []byte("signature"), nil
}

func (fakeSigner) Serialize() ([]byte, error) {
	return []byte("creator"), nil
}

// recorder keeps the order in which the fakes were called
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) count(call string) int {
	n := 0
	for _, c := range r.list() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeEndorser struct {
	name string
	rec  *recorder
	resp *peer.ProposalResponse
	err  error
}

func (e *fakeEndorser) ProcessProposal(ctx context.Context, signedProposal *peer.SignedProposal) (*peer.ProposalResponse, error) {
	e.rec.add("propose:" + e.name)
	return e.resp, e.err
}

func endorsement(payload string) *peer.ProposalResponse {
	return &peer.ProposalResponse{
		Response:    &peer.Response{Status: 200, Payload: []byte(payload)},
		Payload:     []byte("simulation results"),
		Endorsement: &peer.Endorsement{Endorser: []byte("endorser"), Signature: []byte("signature")},
	}
}

func refusal(status int32, message string) *peer.ProposalResponse {
	return &peer.ProposalResponse{
		Response: &peer.Response{Status: status, Message: message},
	}
}

type fakeSource struct {
	name       string
	rec        *recorder
	code       peer.TxValidationCode
	silent     bool
	connectErr error
	hang       bool // Connect blocks until its context ends

	mu           sync.Mutex
	txID         string
	onEvent      func(CommitEvent)
	unregistered bool
	disconnected bool
	delivered    []peer.TxValidationCode
}

func (s *fakeSource) Peer() string {
	return s.name
}

func (s *fakeSource) Connect(ctx context.Context) error {
	s.rec.add("connect:" + s.name)
	if s.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.connectErr
}

func (s *fakeSource) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = true
}

func (s *fakeSource) RegisterTxEvent(txID string, onEvent func(CommitEvent), onError func(error)) (func(), error) {
	s.mu.Lock()
	s.txID = txID
	s.onEvent = onEvent
	s.mu.Unlock()
	s.rec.add("register:" + s.name)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.onEvent = nil
		s.unregistered = true
	}, nil
}

// commit delivers the configured validation code to the registered listener
func (s *fakeSource) commit() {
	s.mu.Lock()
	onEvent, txID := s.onEvent, s.txID
	s.mu.Unlock()
	if onEvent == nil || s.silent {
		return
	}
	s.mu.Lock()
	s.delivered = append(s.delivered, s.code)
	s.mu.Unlock()
	onEvent(CommitEvent{Peer: s.name, TxID: txID, ValidationCode: s.code, BlockNumber: 7})
}

func (s *fakeSource) deliveries() []peer.TxValidationCode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]peer.TxValidationCode(nil), s.delivered...)
}

func (s *fakeSource) released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unregistered && s.disconnected
}

type fakeOrderer struct {
	rec     *recorder
	status  common.Status
	err     error
	sources []*fakeSource

	block      *common.Block
	deliverErr error

	mu         sync.Mutex
	broadcasts []*common.Envelope
	delivers   []*common.Envelope
}

// Broadcast commits the transaction on every source before answering, so
// watchers may already be resolved when the status is evaluated
func (o *fakeOrderer) Broadcast(ctx context.Context, envelope *common.Envelope) (common.Status, error) {
	o.rec.add("broadcast")
	o.mu.Lock()
	o.broadcasts = append(o.broadcasts, envelope)
	o.mu.Unlock()

	if o.err != nil {
		return 0, o.err
	}
	for _, s := range o.sources {
		s.commit()
	}
	return o.status, nil
}

func (o *fakeOrderer) Deliver(ctx context.Context, envelope *common.Envelope) (*common.Block, error) {
	o.rec.add("deliver")
	o.mu.Lock()
	o.delivers = append(o.delivers, envelope)
	o.mu.Unlock()
	return o.block, o.deliverErr
}

type fakeNetwork struct {
	rec       *recorder
	endorsers map[string]*fakeEndorser
	sources   map[string]*fakeSource
	orderer   *fakeOrderer
}

func (n *fakeNetwork) Endorser(peerName string) (Endorser, error) {
	e, ok := n.endorsers[peerName]
	if !ok {
		return nil, errors.Errorf("unknown peer %s", peerName)
	}
	return e, nil
}

func (n *fakeNetwork) Orderer() (Orderer, error) {
	return n.orderer, nil
}

func (n *fakeNetwork) EventSource(peerName, channel string) (EventSource, error) {
	s, ok := n.sources[peerName]
	if !ok {
		return nil, errors.Errorf("unknown peer %s", peerName)
	}
	return s, nil
}

// newFakeNetwork creates peers that endorse with payload and commit VALID, and
// an orderer that answers SUCCESS
func newFakeNetwork(payload string, peers ...string) *fakeNetwork {
	rec := &recorder{}
	n := &fakeNetwork{
		rec:       rec,
		endorsers: map[string]*fakeEndorser{},
		sources:   map[string]*fakeSource{},
		orderer:   &fakeOrderer{rec: rec, status: common.Status_SUCCESS},
	}
	for _, p := range peers {
		n.endorsers[p] = &fakeEndorser{name: p, rec: rec, resp: endorsement(payload)}
		s := &fakeSource{name: p, rec: rec, code: peer.TxValidationCode_VALID}
		n.sources[p] = s
		n.orderer.sources = append(n.orderer.sources, s)
	}
	return n
}

func testLogger() log.FieldLogger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestCoordinator(t *testing.T, network Network, opts Options) *Coordinator {
	if opts.Channel == "" {
		opts.Channel = "mychannel"
	}
	if opts.InvokeTimeout == 0 {
		opts.InvokeTimeout = time.Second
	}
	if opts.InstantiateTimeout == 0 {
		opts.InstantiateTimeout = time.Second
	}
	c, err := New(network, fakeSigner{}, opts, nil, testLogger())
	require.NoError(t, err)
	return c
}

func requireKind(t *testing.T, err error, kind Kind) *Failure {
	require.Error(t, err)
	var f *Failure
	require.True(t, errors.As(err, &f), "expected a Failure, got %v", err)
	require.Equal(t, kind, f.Kind, "unexpected failure: %v", err)
	return f
}
