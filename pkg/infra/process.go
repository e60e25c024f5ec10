package infra

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/osdi23p228/conductor/pkg/core"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	log "github.com/sirupsen/logrus"
)

var (
	Version   = "dev"
	CommitSHA = "unknown"
)

func GetVersionInfo() string {
	return fmt.Sprintf("conductor:\n Version: %s\n Commit SHA: %s\n Go version: %s\n OS/Arch: %s/%s\n",
		Version, CommitSHA, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Process wires the gRPC network, the identity and the metrics of config into
// a Coordinator
type Process struct {
	Config      *Config
	Coordinator *core.Coordinator
	Channels    *core.Channels

	network  *Network
	registry *prometheus.Registry
	logger   log.FieldLogger
}

func NewProcess(config *Config, logger log.FieldLogger) (*Process, error) {
	if config.Identity == nil {
		return nil, errors.New("client identity is not loaded")
	}

	registry := prometheus.NewRegistry()
	network := NewNetwork(config, config.Identity, logger)

	coordinator, err := core.New(network, config.Identity, core.Options{
		Peers:              config.Organization.Peers,
		DefaultPeer:        config.Organization.DefaultPeer,
		QueryPeers:         config.Organization.QueryPeers,
		Channel:            config.Channel,
		ProposalTimeout:    config.Timeouts.Proposal,
		InstantiateTimeout: config.Timeouts.Instantiate,
		InvokeTimeout:      config.Timeouts.Invoke,
		CheckRWSet:         config.CheckRWSet,
	}, core.NewMetrics(registry), logger)
	if err != nil {
		return nil, err
	}

	return &Process{
		Config:      config,
		Coordinator: coordinator,
		Channels:    coordinator.Channels(),
		network:     network,
		registry:    registry,
		logger:      logger,
	}, nil
}

// Close writes the report when a report path is configured and closes every connection
func (p *Process) Close() error {
	var err error
	if p.Config.ReportPath != "" {
		err = p.WriteReportToFile(p.Config.ReportPath)
	}
	if cerr := p.network.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (p *Process) WriteReportToFile(filename string) error {
	reportFile, err := os.Create(filename)
	if err != nil {
		return errors.Wrapf(err, "failed to create report file %s", filename)
	}
	defer reportFile.Close()

	if err := WriteReport(reportFile, p.registry); err != nil {
		return err
	}
	p.logger.Infof("Report written to %s", filename)
	return nil
}

// WriteReport writes every metric of gatherer in the Prometheus text format
func WriteReport(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return errors.Wrap(err, "failed to gather metrics")
	}
	for _, family := range families {
		if _, err := expfmt.MetricFamilyToText(w, family); err != nil {
			return errors.Wrap(err, "failed to write report")
		}
	}
	return nil
}
