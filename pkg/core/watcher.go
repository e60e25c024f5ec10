package core

import (
	"context"
	"time"

	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultInstantiateCommitTimeout = 60 * time.Second
	DefaultInvokeCommitTimeout      = 10 * time.Second
)

// CommitFuture is the pending commit outcome of one transaction on one peer.
// It resolves exactly once: VALID, CommitInvalid, CommitTimeout or TransportFailure.
type CommitFuture struct {
	peer   string
	cancel context.CancelFunc
	done   chan struct{}
	event  *CommitEvent
	err    error
}

func (f *CommitFuture) Peer() string {
	return f.peer
}

// Done is closed once the future resolved and its subscription was torn down
func (f *CommitFuture) Done() <-chan struct{} {
	return f.done
}

// Cancel stops waiting; the future resolves with a TransportFailure unless it already resolved
func (f *CommitFuture) Cancel() {
	f.cancel()
}

// Wait blocks until the future resolved
func (f *CommitFuture) Wait() (*CommitEvent, error) {
	<-f.done
	return f.event, f.err
}

// CommitWatcher subscribes to commit events of a transaction on a set of peers
type CommitWatcher struct {
	logger log.FieldLogger
}

func NewCommitWatcher(logger log.FieldLogger) *CommitWatcher {
	return &CommitWatcher{logger: logger}
}

// Arm registers txID on every source and returns once all registrations are in
// place. Each returned future owns its own timeout.
func (w *CommitWatcher) Arm(ctx context.Context, txID string, sources []EventSource, timeout time.Duration) ([]*CommitFuture, error) {
	futures := make([]*CommitFuture, 0, len(sources))
	for _, source := range sources {
		f, err := w.watch(ctx, txID, source, timeout)
		if err != nil {
			drain(futures)
			return nil, err
		}
		futures = append(futures, f)
	}
	return futures, nil
}

type commitOutcome struct {
	event *CommitEvent
	err   error
}

func (w *CommitWatcher) watch(ctx context.Context, txID string, source EventSource, timeout time.Duration) (*CommitFuture, error) {
	peerName := source.Peer()
	logger := w.logger.WithFields(log.Fields{"peer": peerName, "txid": txID})

	// the commit timeout also covers connecting to the source
	deadline := time.Now().Add(timeout)
	cctx, cancelConnect := context.WithDeadline(ctx, deadline)
	err := source.Connect(cctx)
	cancelConnect()
	if err != nil {
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			logger.Errorf("REQUEST_TIMEOUT: event source did not answer within %s", timeout)
			return nil, &Failure{Kind: CommitTimeout, Peer: peerName}
		}
		return nil, transportFailure(peerName, errors.WithMessage(err, "failed to connect to event source"))
	}

	// the source may call back from its own goroutine, and only the first outcome counts
	outcomes := make(chan commitOutcome, 1)
	report := func(o commitOutcome) {
		select {
		case outcomes <- o:
		default:
		}
	}

	unregister, err := source.RegisterTxEvent(txID,
		func(event CommitEvent) { report(commitOutcome{event: &event}) },
		func(err error) { report(commitOutcome{err: err}) },
	)
	if err != nil {
		source.Disconnect()
		return nil, transportFailure(peerName, errors.WithMessage(err, "failed to register for transaction event"))
	}
	logger.Debugf("Registered for commit event")

	wctx, cancel := context.WithCancel(ctx)
	f := &CommitFuture{
		peer:   peerName,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	timer := time.NewTimer(time.Until(deadline))

	go func() {
		defer close(f.done)
		defer cancel()
		defer timer.Stop()
		defer source.Disconnect()
		defer unregister()

		select {
		case o := <-outcomes:
			f.event, f.err = resolveCommit(peerName, o)
		case <-timer.C:
			logger.Errorf("REQUEST_TIMEOUT: no commit event after %s", timeout)
			f.err = &Failure{Kind: CommitTimeout, Peer: peerName}
		case <-wctx.Done():
			f.err = transportFailure(peerName, errors.Wrap(wctx.Err(), "stopped waiting for commit event"))
		}

		if f.err != nil {
			logger.Debugf("Commit watcher failed: %v", f.err)
			return
		}
		logger.Infof("Transaction committed in block %d", f.event.BlockNumber)
	}()

	return f, nil
}

func resolveCommit(peerName string, o commitOutcome) (*CommitEvent, error) {
	if o.err != nil {
		return nil, transportFailure(peerName, o.err)
	}
	if o.event.ValidationCode != peer.TxValidationCode_VALID {
		return o.event, &Failure{
			Kind: CommitInvalid,
			Peer: peerName,
			Code: o.event.ValidationCode.String(),
		}
	}
	return o.event, nil
}

// drain cancels every future and waits until all of them released their subscription
func drain(futures []*CommitFuture) {
	for _, f := range futures {
		f.Cancel()
	}
	for _, f := range futures {
		<-f.Done()
	}
}
