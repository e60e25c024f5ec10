package infra

import (
	"time"

	"github.com/osdi23p228/conductor/pkg/comm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
)

const (
	MAX_TRY = 3
)

func newGRPCClient(node Node, timeout time.Duration, logger log.FieldLogger) (*comm.GRPCClient, error) {
	clientConfig := generateClientConfig(node, timeout, logger)

	grpcClient, err := comm.NewGRPCClient(clientConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "error creating client for %s", node.Address)
	}

	return grpcClient, nil
}

func generateClientConfig(node Node, timeout time.Duration, logger log.FieldLogger) comm.ClientConfig {
	certs := collectTLSCACertsBytes(node)

	clientConfig := comm.ClientConfig{
		Timeout: timeout,
		SecOpts: comm.SecureOptions{
			UseTLS:            false,
			RequireClientCert: false,
			ServerRootCAs:     certs,
		},
	}
	if logger != nil {
		clientConfig.Logger = logger.WithField("address", node.Address)
	}

	if len(certs) > 0 {
		clientConfig.SecOpts.UseTLS = true
		if len(node.TLSCAKey) > 0 && len(node.TLSCARoot) > 0 {
			clientConfig.SecOpts.RequireClientCert = true
			clientConfig.SecOpts.Certificate = node.TLSCACertByte
			clientConfig.SecOpts.Key = node.TLSCAKeyByte
			if node.TLSCARootByte != nil {
				clientConfig.SecOpts.ClientRootCAs = append(clientConfig.SecOpts.ClientRootCAs, node.TLSCARootByte)
			}
		}
	}

	return clientConfig
}

func collectTLSCACertsBytes(node Node) [][]byte {
	var certs [][]byte
	if node.TLSCACertByte != nil {
		certs = append(certs, node.TLSCACertByte)
	}
	if node.TLSCARootByte != nil {
		certs = append(certs, node.TLSCARootByte)
	}
	return certs
}

// DialConnection dials node, trying up to MAX_TRY times
func DialConnection(node Node, timeout time.Duration, logger log.FieldLogger) (*grpc.ClientConn, error) {
	gRPCClient, err := newGRPCClient(node, timeout, logger)
	if err != nil {
		return nil, err
	}

	var tlsOptions []comm.TLSOption
	if node.ServerNameOverride != "" {
		tlsOptions = append(tlsOptions, comm.ServerNameOverride(node.ServerNameOverride))
	}

	for i := 1; i <= MAX_TRY; i++ {
		var conn *grpc.ClientConn
		conn, err = gRPCClient.NewConnection(node.Address, tlsOptions...)
		if err == nil {
			return conn, nil
		}
		if logger != nil {
			logger.Warnf("Attempt %d to dial %s failed: %v", i, node.Address, err)
		}
	}
	return nil, errors.WithMessagef(err, "failed to dial %s", node.Address)
}
