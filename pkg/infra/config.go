package infra

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	defaultProposalTimeout    = 60 * time.Second
	defaultInstantiateTimeout = 60 * time.Second
	defaultInvokeTimeout      = 10 * time.Second
	defaultDialTimeout        = 30 * time.Second
)

var (
	itemNotProvidedError = errors.New("No such item")
)

type Node struct {
	Address            string `yaml:"address"`
	ServerNameOverride string `yaml:"serverNameOverride"` // name checked against the TLS certificate
	TLSCACert          string `yaml:"tlsCACert"`
	TLSCAKey           string `yaml:"tlsCAKey"`
	TLSCARoot          string `yaml:"tlsCARoot"`
	TLSCACertByte      []byte `yaml:"-"`
	TLSCAKeyByte       []byte `yaml:"-"`
	TLSCARootByte      []byte `yaml:"-"`
}

// Organization is the set of peers operated by the client's organization
type Organization struct {
	Name        string   `yaml:"name"`
	Peers       []string `yaml:"peers"`       // install, instantiate, join and list go to all of them
	DefaultPeer string   `yaml:"defaultPeer"` // invoke and query go to this one
	QueryPeers  []string `yaml:"queryPeers"`  // optional, overrides defaultPeer for query
}

type Timeouts struct {
	Proposal    time.Duration `yaml:"proposal"`    // endorsement of a single proposal
	Instantiate time.Duration `yaml:"instantiate"` // commit of an instantiate
	Invoke      time.Duration `yaml:"invoke"`      // commit of an invoke
	Dial        time.Duration `yaml:"dial"`        // connection to a peer or the orderer
}

type Config struct {
	// Network
	Peers        map[string]Node `yaml:"peers"`        // every peer the client may talk to, by name
	Organization Organization    `yaml:"organization"` // the client's organization
	Orderer      Node            `yaml:"orderer"`      // orderer
	Channel      string          `yaml:"channel"`      // name of the default channel

	// Client identity
	MSPID      string  `yaml:"mspid"`      // the MSP the client belongs
	PrivateKey string  `yaml:"privateKey"` // client's private key
	SignCert   string  `yaml:"signCert"`   // client's certificate
	Identity   *Crypto `yaml:"-"`          // client's identity

	// Root of the chaincode sources, chaincode paths are relative to GoPath/src
	GoPath string `yaml:"goPath"`

	Timeouts Timeouts `yaml:"timeouts"`

	// If true, print the read set and write set of every invoke
	CheckRWSet bool `yaml:"checkRWSet"`

	LogLevel   string `yaml:"logLevel"`   // overridden by CONDUCTOR_LOGLEVEL
	ReportPath string `yaml:"reportPath"` // path of the metrics report, no report when empty

	Rate  int `yaml:"rate"`  // average speed of replayed transactions, 0 is unlimited
	Burst int `yaml:"burst"` // maximum number of replayed transactions in flight
}

func LoadConfigFromFile(filename string) (*Config, error) {
	c, err := loadRawConfigFromFile(filename)
	if err != nil {
		return nil, err
	}

	if err := c.valid(); err != nil {
		return nil, errors.WithMessagef(err, "invalid config %s", filename)
	}

	for name, node := range c.Peers {
		if err := node.loadConfig(); err != nil {
			return nil, errors.WithMessagef(err, "peer %s", name)
		}
		c.Peers[name] = node
	}
	if err := c.Orderer.loadConfig(); err != nil {
		return nil, errors.WithMessage(err, "orderer")
	}

	if err := c.loadClientIdentity(); err != nil {
		return nil, err
	}

	return c, nil
}

// loadRawConfigFromFile reads filename, expanding ${VAR} references from the environment
func loadRawConfigFromFile(filename string) (*Config, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to load %s", filename)
	}
	return parseConfig(raw)
}

func parseConfig(raw []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.UnmarshalStrict([]byte(os.ExpandEnv(string(raw))), c); err != nil {
		return nil, errors.Wrap(err, "fail to unmarshal config")
	}
	c.setDefaults()
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Timeouts.Proposal == 0 {
		c.Timeouts.Proposal = defaultProposalTimeout
	}
	if c.Timeouts.Instantiate == 0 {
		c.Timeouts.Instantiate = defaultInstantiateTimeout
	}
	if c.Timeouts.Invoke == 0 {
		c.Timeouts.Invoke = defaultInvokeTimeout
	}
	if c.Timeouts.Dial == 0 {
		c.Timeouts.Dial = defaultDialTimeout
	}
	if c.Burst == 0 {
		c.Burst = 1
	}
	if c.Organization.DefaultPeer == "" && len(c.Organization.Peers) > 0 {
		c.Organization.DefaultPeer = c.Organization.Peers[0]
	}
}

func (c *Config) valid() error {
	if len(c.Organization.Peers) == 0 {
		return errors.New("organization has no peers")
	}
	for _, name := range append(append([]string{c.Organization.DefaultPeer}, c.Organization.Peers...), c.Organization.QueryPeers...) {
		node, ok := c.Peers[name]
		if !ok {
			return errors.Errorf("peer %s is not declared", name)
		}
		if node.Address == "" {
			return errors.Errorf("peer %s has no address", name)
		}
	}

	if c.Orderer.Address == "" {
		return errors.New("orderer has no address")
	}

	if c.MSPID == "" {
		return errors.New("mspid is required")
	}

	for name, d := range map[string]time.Duration{
		"proposal":    c.Timeouts.Proposal,
		"instantiate": c.Timeouts.Instantiate,
		"invoke":      c.Timeouts.Invoke,
		"dial":        c.Timeouts.Dial,
	} {
		if d < 0 {
			return errors.Errorf("%s timeout %s is negative", name, d)
		}
	}

	if c.Rate < 0 {
		return errors.Errorf("rate %d is not a zero (unlimited) or positive number", c.Rate)
	}
	if c.Burst < 1 {
		return errors.Errorf("burst %d is not greater than 1", c.Burst)
	}
	if c.Rate > c.Burst {
		c.Rate = c.Burst
	}
	return nil
}

// loadClientIdentity loads the client specified in the configuration file
func (c *Config) loadClientIdentity() error {
	identity, err := CryptoConfig{
		MSPID:    c.MSPID,
		PrivKey:  c.PrivateKey,
		SignCert: c.SignCert,
	}.ToCrypto()
	if err != nil {
		return err
	}
	c.Identity = identity
	return nil
}

func GetTLSCACerts(file string) ([]byte, error) {
	if file == "" {
		return nil, itemNotProvidedError
	}

	in, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to load %s", file)
	}

	return in, nil
}

func (n *Node) loadConfig() error {
	certByte, err := GetTLSCACerts(n.TLSCACert)
	if err != nil && err != itemNotProvidedError {
		return errors.WithMessagef(err, "fail to load TLS CA Cert %s", n.TLSCACert)
	}

	keyByte, err := GetTLSCACerts(n.TLSCAKey)
	if err != nil && err != itemNotProvidedError {
		return errors.WithMessagef(err, "fail to load TLS CA Key %s", n.TLSCAKey)
	}

	rootByte, err := GetTLSCACerts(n.TLSCARoot)
	if err != nil && err != itemNotProvidedError {
		return errors.WithMessagef(err, "fail to load TLS CA Root %s", n.TLSCARoot)
	}

	n.TLSCACertByte = certByte
	n.TLSCAKeyByte = keyByte
	n.TLSCARootByte = rootByte
	return nil
}
