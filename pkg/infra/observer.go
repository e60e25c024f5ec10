package infra

import (
	"context"
	"sync"

	"github.com/osdi23p228/conductor/pkg/core"
	"github.com/osdi23p228/fabric-protos-go/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

type txListener struct {
	onEvent func(core.CommitEvent)
	onError func(error)
}

// Observer follows the filtered blocks of a channel on one peer and reports
// the validation code of the transactions registered on it
type Observer struct {
	peer    string
	channel string
	open    func(ctx context.Context) (peer.Deliver_DeliverFilteredClient, error)
	signer  core.Signer
	logger  log.FieldLogger

	mu        sync.Mutex
	listeners map[string]*txListener
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewObserver(
	peerName string,
	channel string,
	dial func(peerName string) (*grpc.ClientConn, error),
	signer core.Signer,
	logger log.FieldLogger,
) *Observer {
	open := func(ctx context.Context) (peer.Deliver_DeliverFilteredClient, error) {
		conn, err := dial(peerName)
		if err != nil {
			return nil, err
		}
		return peer.NewDeliverClient(conn).DeliverFiltered(ctx)
	}
	return newObserver(peerName, channel, open, signer, logger)
}

func newObserver(
	peerName string,
	channel string,
	open func(ctx context.Context) (peer.Deliver_DeliverFilteredClient, error),
	signer core.Signer,
	logger log.FieldLogger,
) *Observer {
	return &Observer{
		peer:      peerName,
		channel:   channel,
		open:      open,
		signer:    signer,
		logger:    logger.WithFields(log.Fields{"peer": peerName, "channel": channel}),
		listeners: map[string]*txListener{},
	}
}

func (o *Observer) Peer() string {
	return o.peer
}

// Connect opens the stream at the newest block and returns once the peer
// delivered it, so that every later transaction is observed. ctx bounds the
// handshake only; the stream lives until Disconnect.
func (o *Observer) Connect(ctx context.Context) error {
	o.mu.Lock()
	connected := o.cancel != nil
	o.mu.Unlock()
	if connected {
		return nil
	}

	sctx, cancel := context.WithCancel(context.Background())
	deliverer, err := o.open(sctx)
	if err != nil {
		cancel()
		return errors.WithMessage(err, "fail to create DeliverFilteredClient")
	}

	handshake := make(chan error, 1)
	go func() {
		handshake <- o.seekNewest(deliverer)
	}()

	select {
	case err = <-handshake:
	case <-ctx.Done():
		// unblocks Send or Recv
		cancel()
		<-handshake
		return errors.Wrap(ctx.Err(), "no answer to the seek request")
	}
	if err != nil {
		cancel()
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		cancel()
		return nil
	}
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.receiveFilteredBlock(sctx, deliverer, o.done)

	o.logger.Debugf("Start observer")
	return nil
}

// seekNewest asks for the newest block onwards and drains the first response
func (o *Observer) seekNewest(deliverer peer.Deliver_DeliverFilteredClient) error {
	envelope, err := core.NewDeliverEnvelope(o.signer, o.channel, core.SeekNewest(), core.SeekForever())
	if err != nil {
		return errors.WithMessage(err, "fail to create SignedEnvelope")
	}

	if err = deliverer.Send(envelope); err != nil {
		return errors.Wrap(err, "fail to send SignedEnvelope")
	}

	res, err := deliverer.Recv()
	if err != nil {
		return errors.Wrap(err, "fail to receive the first response")
	}
	if status, ok := res.Type.(*peer.DeliverResponse_Status); ok {
		return errors.Errorf("deliver request refused with status %s", status.Status)
	}
	return nil
}

// Disconnect closes the stream and waits for the receiving goroutine to exit
func (o *Observer) Disconnect() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (o *Observer) RegisterTxEvent(txID string, onEvent func(core.CommitEvent), onError func(error)) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.listeners[txID]; ok {
		return nil, errors.Errorf("transaction %s is already registered", txID)
	}
	o.listeners[txID] = &txListener{onEvent: onEvent, onError: onError}

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, txID)
	}, nil
}

func (o *Observer) receiveFilteredBlock(ctx context.Context, deliverer peer.Deliver_DeliverFilteredClient, done chan struct{}) {
	defer close(done)

	for {
		deliverResponse, err := deliverer.Recv()
		if err != nil {
			if ctx.Err() == nil {
				o.notifyError(errors.Wrap(err, "fail to receive deliver response"))
			}
			return
		}

		switch t := deliverResponse.Type.(type) {
		case *peer.DeliverResponse_FilteredBlock:
			o.processFilteredBlock(t.FilteredBlock)
		case *peer.DeliverResponse_Status:
			o.notifyError(errors.Errorf("deliver stream ended with status %s", t.Status))
			return
		default:
			o.logger.Infoln("Unknown DeliverResponse type")
		}
	}
}

func (o *Observer) processFilteredBlock(fb *peer.FilteredBlock) {
	for _, tx := range fb.FilteredTransactions {
		o.mu.Lock()
		l, ok := o.listeners[tx.Txid]
		delete(o.listeners, tx.Txid)
		o.mu.Unlock()

		if !ok {
			continue
		}
		l.onEvent(core.CommitEvent{
			Peer:           o.peer,
			TxID:           tx.Txid,
			ValidationCode: tx.TxValidationCode,
			BlockNumber:    fb.Number,
		})
	}
}

func (o *Observer) notifyError(err error) {
	o.mu.Lock()
	listeners := o.listeners
	o.listeners = map[string]*txListener{}
	o.mu.Unlock()

	o.logger.Errorf("Observer failed: %v", err)
	for _, l := range listeners {
		l.onError(err)
	}
}
