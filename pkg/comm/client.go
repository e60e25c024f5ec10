package comm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	// MaxRecvMsgSize and MaxSendMsgSize match the limits of Fabric peers and orderers
	MaxRecvMsgSize = 100 * 1024 * 1024
	MaxSendMsgSize = 100 * 1024 * 1024

	defaultKeepaliveInterval = time.Minute
	defaultKeepaliveTimeout  = 20 * time.Second
)

// SecureOptions defines the TLS material used by a client connection
type SecureOptions struct {
	UseTLS            bool
	RequireClientCert bool
	Certificate       []byte   // PEM-encoded client certificate
	Key               []byte   // PEM-encoded client key
	ServerRootCAs     [][]byte // PEM-encoded roots used to verify servers
	ClientRootCAs     [][]byte
}

// ClientConfig defines the parameters for configuring a GRPCClient
type ClientConfig struct {
	SecOpts SecureOptions
	Timeout time.Duration // dial timeout
	Logger  *log.Entry    // optional, enables gRPC call logging
}

// TLSOption changes the TLS configuration right before a connection is dialed
type TLSOption func(tlsConfig *tls.Config)

type GRPCClient struct {
	tlsConfig *tls.Config
	dialOpts  []grpc.DialOption
	timeout   time.Duration
}

// NewGRPCClient creates a new client using the TLS material and timeout of config
func NewGRPCClient(config ClientConfig) (*GRPCClient, error) {
	client := &GRPCClient{timeout: config.Timeout}

	if err := client.parseSecureOptions(config.SecOpts); err != nil {
		return nil, err
	}

	client.dialOpts = append(client.dialOpts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                defaultKeepaliveInterval,
			Timeout:             defaultKeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxRecvMsgSize),
			grpc.MaxCallSendMsgSize(MaxSendMsgSize),
		),
	)

	if config.Logger != nil {
		client.dialOpts = append(client.dialOpts,
			grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(
				grpc_logrus.UnaryClientInterceptor(config.Logger),
			)),
			grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(
				grpc_logrus.StreamClientInterceptor(config.Logger),
			)),
		)
	}

	return client, nil
}

func (client *GRPCClient) parseSecureOptions(opts SecureOptions) error {
	if !opts.UseTLS {
		return nil
	}

	client.tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	if len(opts.ServerRootCAs) > 0 {
		client.tlsConfig.RootCAs = x509.NewCertPool()
		for _, certBytes := range opts.ServerRootCAs {
			if err := AddPemToCertPool(certBytes, client.tlsConfig.RootCAs); err != nil {
				return errors.WithMessage(err, "error adding root certificate")
			}
		}
	}

	if opts.RequireClientCert {
		if opts.Key == nil || opts.Certificate == nil {
			return errors.New("both Key and Certificate are required when using mutual TLS")
		}
		cert, err := tls.X509KeyPair(opts.Certificate, opts.Key)
		if err != nil {
			return errors.WithMessage(err, "failed to load client certificate")
		}
		client.tlsConfig.Certificates = append(client.tlsConfig.Certificates, cert)
	}

	return nil
}

// TLSEnabled reports whether the client dials with TLS
func (client *GRPCClient) TLSEnabled() bool {
	return client.tlsConfig != nil
}

// MutualTLSRequired reports whether the client presents a certificate
func (client *GRPCClient) MutualTLSRequired() bool {
	return client.tlsConfig != nil && len(client.tlsConfig.Certificates) > 0
}

// NewConnection dials address and blocks until the connection is ready or the dial timeout expires
func (client *GRPCClient) NewConnection(address string, tlsOptions ...TLSOption) (*grpc.ClientConn, error) {
	dialOpts := append([]grpc.DialOption{}, client.dialOpts...)

	if client.tlsConfig != nil {
		tlsConfig := client.tlsConfig.Clone()
		for _, opt := range tlsOptions {
			opt(tlsConfig)
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), client.timeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, address, dialOpts...)
	if err != nil {
		return nil, errors.WithMessage(errors.WithStack(err), "failed to create new connection")
	}
	return conn, nil
}

// ServerNameOverride sets the name used to verify the server certificate
func ServerNameOverride(name string) TLSOption {
	return func(tlsConfig *tls.Config) {
		tlsConfig.ServerName = name
	}
}

// AddPemToCertPool adds every certificate found in pemCerts to pool
func AddPemToCertPool(pemCerts []byte, pool *x509.CertPool) error {
	certs, err := pemToX509Certs(pemCerts)
	if err != nil {
		return err
	}
	for _, cert := range certs {
		pool.AddCert(cert)
	}
	return nil
}

func pemToX509Certs(pemCerts []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for len(pemCerts) > 0 {
		var block *pem.Block
		block, pemCerts = pem.Decode(pemCerts)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" || len(block.Headers) != 0 {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Wrap(err, "error parsing certificate")
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificates found in PEM data")
	}
	return certs, nil
}
