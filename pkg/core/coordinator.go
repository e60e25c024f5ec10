package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Options binds the coordinator to an organization and a default channel
type Options struct {
	Peers       []string // peers of the caller's organization
	DefaultPeer string   // target of invoke and query
	QueryPeers  []string // targets of query, DefaultPeer when empty
	Channel     string   // channel used when a request names none

	ProposalTimeout    time.Duration
	InstantiateTimeout time.Duration // commit wait of instantiate
	InvokeTimeout      time.Duration // commit wait of invoke

	// CheckRWSet logs the read and write set simulated for every invoke
	CheckRWSet bool
}

type InstallRequest struct {
	Name        string
	Version     string
	Path        string
	CodePackage []byte // gzipped tar of the chaincode source
}

type InstantiateRequest struct {
	Channel  string
	Name     string
	Version  string
	Function string
	Args     []string
	Policy   []byte // marshaled SignaturePolicyEnvelope, lscc default when nil
}

type InvokeRequest struct {
	Channel   string
	Chaincode string
	Function  string
	Args      []string
}

type QueryRequest = InvokeRequest

// Coordinator drives an operation from proposal to its final verdict
type Coordinator struct {
	network   Network
	signer    Signer
	opts      Options
	proposer  *Proposer
	watcher   *CommitWatcher
	submitter *Submitter
	metrics   *Metrics
	logger    log.FieldLogger
}

// New validates opts and creates a Coordinator. metrics may be nil.
func New(network Network, signer Signer, opts Options, metrics *Metrics, logger log.FieldLogger) (*Coordinator, error) {
	if len(opts.Peers) == 0 {
		return nil, errors.New("organization has no peers")
	}
	if opts.DefaultPeer == "" {
		return nil, errors.New("no default peer")
	}
	if len(opts.QueryPeers) == 0 {
		opts.QueryPeers = []string{opts.DefaultPeer}
	}
	if opts.InstantiateTimeout <= 0 {
		opts.InstantiateTimeout = DefaultInstantiateCommitTimeout
	}
	if opts.InvokeTimeout <= 0 {
		opts.InvokeTimeout = DefaultInvokeCommitTimeout
	}

	return &Coordinator{
		network:   network,
		signer:    signer,
		opts:      opts,
		proposer:  NewProposer(network, signer, opts.ProposalTimeout, logger),
		watcher:   NewCommitWatcher(logger),
		submitter: NewSubmitter(network, signer, logger),
		metrics:   metrics,
		logger:    logger,
	}, nil
}

func (c *Coordinator) channel(name string) string {
	if name != "" {
		return name
	}
	return c.opts.Channel
}

func (c *Coordinator) finish(operation string, verdict *Verdict, err error) (*Verdict, error) {
	c.metrics.addOutcome(operation, err)
	if err != nil {
		return failed(err)
	}
	return verdict, nil
}

// Install sends the chaincode package to every peer of the organization. No
// ledger transaction is involved, so the operation ends with the endorsement.
func (c *Coordinator) Install(ctx context.Context, req InstallRequest) (*Verdict, error) {
	logger := c.logger.WithFields(log.Fields{"op": uuid.NewString(), "chaincode": req.Name})

	cds := &peer.ChaincodeDeploymentSpec{
		ChaincodeSpec: chaincodeSpec(req.Name, req.Version, req.Path, nil),
		CodePackage:   req.CodePackage,
	}
	cis, err := installSpec(cds)
	if err != nil {
		return c.finish("install", nil, err)
	}

	txID, err := NewTxID(c.signer)
	if err != nil {
		return c.finish("install", nil, err)
	}

	start := time.Now()
	ep, err := c.proposer.Propose(ctx, txID, common.HeaderType_ENDORSER_TRANSACTION, "", cis, c.opts.Peers)
	if err != nil {
		return c.finish("install", nil, err)
	}
	c.metrics.keepPhase("install", phaseEndorse, start)

	if err := ValidateEndorsements(ep.Responses); err != nil {
		logger.Errorf("install proposal was bad: %v", err)
		return c.finish("install", nil, err)
	}

	logger.Infof("Successfully installed chaincode %s:%s", req.Name, req.Version)
	return c.finish("install", &Verdict{
		Success: true,
		Message: "Successfully install chaincode.",
	}, nil)
}

// Instantiate deploys an installed chaincode on a channel and waits until
// every peer of the organization committed the deployment
func (c *Coordinator) Instantiate(ctx context.Context, req InstantiateRequest) (*Verdict, error) {
	channel := c.channel(req.Channel)

	args := [][]byte{[]byte(req.Function)}
	for _, arg := range req.Args {
		args = append(args, []byte(arg))
	}
	cds := &peer.ChaincodeDeploymentSpec{ChaincodeSpec: chaincodeSpec(req.Name, req.Version, "", args)}
	cis, err := deploySpec(channel, cds, req.Policy)
	if err != nil {
		return c.finish("instantiate", nil, err)
	}

	ep, err := c.execute(ctx, "instantiate", channel, cis, c.opts.Peers, c.opts.InstantiateTimeout)
	if err != nil {
		return c.finish("instantiate", nil, err)
	}

	return c.finish("instantiate", &Verdict{
		Success: true,
		Message: fmt.Sprintf("Successfully instantiate chaincode to the channel %s.", channel),
		TxID:    ep.TxID.ID,
	}, nil)
}

// Invoke submits a chaincode transaction through the default peer and waits
// until every peer of the organization committed it
func (c *Coordinator) Invoke(ctx context.Context, req InvokeRequest) (*Verdict, error) {
	channel := c.channel(req.Channel)
	cis := invocationSpec(req.Chaincode, req.Function, req.Args)

	ep, err := c.execute(ctx, "invoke", channel, cis, []string{c.opts.DefaultPeer}, c.opts.InvokeTimeout)
	if err != nil {
		return c.finish("invoke", nil, err)
	}

	return c.finish("invoke", &Verdict{
		Success: true,
		Message: fmt.Sprintf("Successfully invoked chaincode %s on the channel %s.", req.Chaincode, channel),
		TxID:    ep.TxID.ID,
		Payload: decodePayload(ep.Responses[0].Response.Response.Payload),
	}, nil)
}

// execute runs propose, arm, order, join and reduce for a state-changing operation
func (c *Coordinator) execute(
	ctx context.Context,
	operation string,
	channel string,
	cis *peer.ChaincodeInvocationSpec,
	targets []string,
	commitTimeout time.Duration,
) (*EndorsedProposal, error) {
	txID, err := NewTxID(c.signer)
	if err != nil {
		return nil, err
	}
	logger := c.logger.WithFields(log.Fields{"op": operation, "txid": txID.ID, "channel": channel})

	// propose
	start := time.Now()
	ep, err := c.proposer.Propose(ctx, txID, common.HeaderType_ENDORSER_TRANSACTION, channel, cis, targets)
	if err != nil {
		return nil, err
	}
	c.metrics.keepPhase(operation, phaseEndorse, start)

	if err := ValidateEndorsements(ep.Responses); err != nil {
		logger.Errorf("Failed to send %s due to error: %v", operation, err)
		return nil, err
	}
	logger.Infof("Successfully sent Proposal and received ProposalResponse: Status - %d, message - %s",
		ep.Responses[0].Response.Response.Status, ep.Responses[0].Response.Response.Message)
	if c.opts.CheckRWSet {
		logRWSet(logger, ep.ProposalResponses())
	}

	// arm: every listener exists before the orderer can cut the block
	sources, err := c.eventSources(channel)
	if err != nil {
		return nil, err
	}
	futures, err := c.watcher.Arm(ctx, txID.ID, sources, commitTimeout)
	if err != nil {
		return nil, err
	}
	logger.Debugf("Armed %d commit watchers", len(futures))

	// order
	orderStart := time.Now()
	ordered := make(chan error, 1)
	go func() {
		ordered <- c.submitter.Submit(ctx, ep)
	}()

	// join: the orderer's answer is authoritative and is evaluated first
	if err := <-ordered; err != nil {
		logger.Errorf("Ordering failed: %v", err)
		drain(futures)
		return nil, err
	}
	c.metrics.keepPhase(operation, phaseOrder, orderStart)

	// reduce
	var causes []error
	for _, f := range futures {
		if _, err := f.Wait(); err != nil {
			causes = append(causes, err)
		}
	}
	c.metrics.keepPhase(operation, phaseCommit, orderStart)

	if len(causes) > 0 {
		return nil, reduceCommitFailures(causes)
	}
	logger.Infof("Transaction committed on %d peers", len(futures))
	return ep, nil
}

func (c *Coordinator) eventSources(channel string) ([]EventSource, error) {
	sources := make([]EventSource, 0, len(c.opts.Peers))
	for _, p := range c.opts.Peers {
		source, err := c.network.EventSource(p, channel)
		if err != nil {
			return nil, transportFailure(p, errors.WithMessage(err, "error getting event source"))
		}
		sources = append(sources, source)
	}
	return sources, nil
}

// reduceCommitFailures reports the first failed watcher, keeping every failure as a cause
func reduceCommitFailures(causes []error) error {
	var first *Failure
	if !errors.As(causes[0], &first) {
		first = transportFailure("", causes[0])
	}
	reduced := *first
	reduced.Causes = causes
	return &reduced
}

// decodePayload parses payload as JSON and falls back to the raw string
func decodePayload(payload []byte) interface{} {
	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return string(payload)
	}
	return decoded
}
