package core

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultJoinDelay leaves the orderer time to cut the genesis block of a new channel
const DefaultJoinDelay = 5 * time.Second

// BootstrapRequest describes the channel and chaincode a fresh network is set up with
type BootstrapRequest struct {
	Channel       string
	ChannelTxPath string
	JoinDelay     time.Duration

	Chaincode InstallRequest
	// Package builds Chaincode.CodePackage, only called when setup is needed
	Package func() ([]byte, error)

	Function string
	Args     []string
}

// Bootstrap sets up the organization when its peers have joined no channel yet:
// create the channel, join it, install the chaincode and instantiate it. It
// returns the channels the peers belong to afterwards.
func (c *Coordinator) Bootstrap(ctx context.Context, req BootstrapRequest) ([]string, error) {
	channels := c.Channels()
	name := c.channel(req.Channel)
	logger := c.logger.WithFields(log.Fields{"op": "bootstrap", "channel": name})

	names, err := channels.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		logger.Infof("Channel list: %v", names)
		return names, nil
	}

	if _, err := channels.Create(ctx, name, req.ChannelTxPath); err != nil {
		return nil, errors.WithMessagef(err, "failed to create the %s", name)
	}

	if req.JoinDelay > 0 {
		select {
		case <-time.After(req.JoinDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if _, err := channels.Join(ctx, name); err != nil {
		return nil, errors.WithMessagef(err, "failed to join the %s", name)
	}

	install := req.Chaincode
	if install.CodePackage == nil && req.Package != nil {
		if install.CodePackage, err = req.Package(); err != nil {
			return nil, err
		}
	}
	if _, err := c.Install(ctx, install); err != nil {
		return nil, errors.WithMessage(err, "failed to install the chaincode")
	}

	if _, err := c.Instantiate(ctx, InstantiateRequest{
		Channel:  name,
		Name:     install.Name,
		Version:  install.Version,
		Function: req.Function,
		Args:     req.Args,
	}); err != nil {
		return nil, errors.WithMessage(err, "failed to instantiate the chaincode")
	}

	names = append(names, name)
	logger.Infof("Channel list: %v", names)
	return names, nil
}
