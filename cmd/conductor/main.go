package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/osdi23p228/conductor/pkg/core"
	"github.com/osdi23p228/conductor/pkg/infra"

	"github.com/golang/protobuf/jsonpb"
	"github.com/osdi23p228/fabric-protos-go/common"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	fullCmd string
)

var (
	app        = kingpin.New("conductor", "Installs, instantiates and invokes chaincode on Hyperledger Fabric")
	configFile = app.Flag("config", "Path of config file").Short('c').String()
	version    = app.Command("version", "Show version information")

	channel       = app.Command("channel", "Operate on channels")
	channelName   = channel.Flag("name", "Channel name, the configured channel when empty").String()
	channelCreate = channel.Command("create", "Create a channel")
	channelTxPath = channelCreate.Flag("tx", "Path of the channel configuration transaction").Required().String()
	channelJoin   = channel.Command("join", "Join the organization's peers to a channel")
	channelList   = channel.Command("list", "List the channels joined by the organization's peers")
	channelBlock  = channel.Command("block", "Show the block holding a transaction")
	blockTxID     = channelBlock.Flag("txid", "Transaction id").Required().String()

	chaincode            = app.Command("chaincode", "Operate on chaincode")
	chaincodeName        = chaincode.Flag("name", "Chaincode name").Short('n').Required().String()
	chaincodeChannel     = chaincode.Flag("channel", "Channel name, the configured channel when empty").String()
	chaincodeInstall     = chaincode.Command("install", "Install chaincode on the organization's peers")
	installPath          = chaincodeInstall.Flag("path", "Chaincode path, relative to goPath/src").Required().String()
	installVersion       = chaincodeInstall.Flag("version", "Chaincode version").Short('v').Required().String()
	chaincodeInstantiate = chaincode.Command("instantiate", "Instantiate chaincode on a channel")
	instantiateVersion   = chaincodeInstantiate.Flag("version", "Chaincode version").Short('v').Required().String()
	instantiateFunction  = chaincodeInstantiate.Flag("function", "Init function").Default("init").String()
	instantiateArgs      = chaincodeInstantiate.Arg("args", "Init arguments").Strings()
	chaincodeInvoke      = chaincode.Command("invoke", "Invoke chaincode and wait for the commit")
	invokeFunction       = chaincodeInvoke.Arg("function", "Chaincode function").Required().String()
	invokeArgs           = chaincodeInvoke.Arg("args", "Chaincode arguments").Strings()
	chaincodeQuery       = chaincode.Command("query", "Query chaincode")
	queryFunction        = chaincodeQuery.Arg("function", "Chaincode function").Required().String()
	queryArgs            = chaincodeQuery.Arg("args", "Chaincode arguments").Strings()

	bootstrap          = app.Command("bootstrap", "Create and join the channel, install and instantiate the chaincode unless the peers already joined a channel")
	bootstrapTxPath    = bootstrap.Flag("tx", "Path of the channel configuration transaction").Required().String()
	bootstrapChannel   = bootstrap.Flag("channel", "Channel name, the configured channel when empty").String()
	bootstrapName      = bootstrap.Flag("name", "Chaincode name").Short('n').Default("mqtt").String()
	bootstrapPath      = bootstrap.Flag("path", "Chaincode path, relative to goPath/src").Default("github.com/mqtt").String()
	bootstrapVersion   = bootstrap.Flag("version", "Chaincode version").Short('v').Default("1.0").String()
	bootstrapFunction  = bootstrap.Flag("function", "Init function").Default("init").String()
	bootstrapJoinDelay = bootstrap.Flag("join-delay", "Wait between creating and joining the channel").Default(core.DefaultJoinDelay.String()).Duration()

	replay          = app.Command("replay", "Invoke every transaction of a transaction file")
	replayChaincode = replay.Flag("name", "Chaincode name").Short('n').Required().String()
	replayChannel   = replay.Flag("channel", "Channel name, the configured channel when empty").String()
	replayFile      = replay.Flag("file", "Transaction file").Default(infra.TransactionFilePath).String()
	replayGenerate  = replay.Flag("generate", "Generate this many mqtt transactions into the file first").Int()
	replaySeed      = replay.Flag("seed", "Random seed of the generated transactions").Int64()
	replayDevices   = replay.Flag("devices", "Number of devices of the generated transactions").Default("10").Int()
)

func setLogLevel(logger *log.Logger, configured string) {
	logger.SetLevel(log.InfoLevel)
	if level, err := log.ParseLevel(configured); configured != "" && err == nil {
		logger.SetLevel(level)
	}
	if value, ok := os.LookupEnv("CONDUCTOR_LOGLEVEL"); ok {
		if level, err := log.ParseLevel(value); err == nil {
			logger.SetLevel(level)
		}
	}
}

func getLogger() *log.Logger {
	logger := log.New()
	setLogLevel(logger, "")
	return logger
}

func getConfig() (*infra.Config, error) {
	if *configFile == "" {
		return nil, errors.New("required flag --config not provided")
	}
	config, err := infra.LoadConfigFromFile(*configFile)
	if err != nil {
		return nil, errors.WithMessage(err, "fail to load config")
	}
	return config, nil
}

func main() {
	logger := getLogger()

	fullCmd = kingpin.MustParse(app.Parse(os.Args[1:]))
	if fullCmd == version.FullCommand() {
		fmt.Print(infra.GetVersionInfo())
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, logger)
	stop()

	if err != nil {
		logger.Errorln(err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(ctx context.Context, logger *log.Logger) error {
	config, err := getConfig()
	if err != nil {
		return err
	}
	setLogLevel(logger, config.LogLevel)

	process, err := infra.NewProcess(config, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := process.Close(); cerr != nil {
			logger.Warnf("Fail to close: %v", cerr)
		}
	}()

	switch fullCmd {
	case channelCreate.FullCommand():
		return printVerdict(process.Channels.Create(ctx, channelOrDefault(*channelName, config), *channelTxPath))
	case channelJoin.FullCommand():
		return printVerdict(process.Channels.Join(ctx, channelOrDefault(*channelName, config)))
	case channelList.FullCommand():
		names, err := process.Channels.List(ctx)
		if err != nil {
			return err
		}
		fmt.Println(strings.Join(names, "\n"))
		return nil
	case channelBlock.FullCommand():
		block, err := process.Channels.BlockByTxID(ctx, channelOrDefault(*channelName, config), *blockTxID)
		if err != nil {
			return err
		}
		return printBlock(block)

	case chaincodeInstall.FullCommand():
		codePackage, err := infra.PackageChaincode(config.GoPath, *installPath)
		if err != nil {
			return err
		}
		return printVerdict(process.Coordinator.Install(ctx, core.InstallRequest{
			Name:        *chaincodeName,
			Version:     *installVersion,
			Path:        *installPath,
			CodePackage: codePackage,
		}))
	case chaincodeInstantiate.FullCommand():
		return printVerdict(process.Coordinator.Instantiate(ctx, core.InstantiateRequest{
			Channel:  *chaincodeChannel,
			Name:     *chaincodeName,
			Version:  *instantiateVersion,
			Function: *instantiateFunction,
			Args:     *instantiateArgs,
		}))
	case chaincodeInvoke.FullCommand():
		return printVerdict(process.Coordinator.Invoke(ctx, core.InvokeRequest{
			Channel:   *chaincodeChannel,
			Chaincode: *chaincodeName,
			Function:  *invokeFunction,
			Args:      *invokeArgs,
		}))
	case chaincodeQuery.FullCommand():
		results, err := process.Coordinator.Query(ctx, core.QueryRequest{
			Channel:   *chaincodeChannel,
			Chaincode: *chaincodeName,
			Function:  *queryFunction,
			Args:      *queryArgs,
		})
		if err != nil {
			return err
		}
		return printJSON(results)

	case bootstrap.FullCommand():
		names, err := process.Coordinator.Bootstrap(ctx, core.BootstrapRequest{
			Channel:       *bootstrapChannel,
			ChannelTxPath: *bootstrapTxPath,
			JoinDelay:     *bootstrapJoinDelay,
			Chaincode: core.InstallRequest{
				Name:    *bootstrapName,
				Version: *bootstrapVersion,
				Path:    *bootstrapPath,
			},
			Package: func() ([]byte, error) {
				return infra.PackageChaincode(config.GoPath, *bootstrapPath)
			},
			Function: *bootstrapFunction,
		})
		if err != nil {
			return err
		}
		logger.Infof("Channel list: %s", strings.Join(names, ", "))
		return nil

	case replay.FullCommand():
		return runReplay(ctx, process, logger)
	}

	return errors.Errorf("Invalid command: %s", fullCmd)
}

func runReplay(ctx context.Context, process *infra.Process, logger *log.Logger) error {
	if *replayGenerate > 0 {
		invocations := infra.NewWorkloadGenerator(*replaySeed, *replayDevices).Generate(*replayGenerate)
		if err := infra.WriteInvocations(*replayFile, invocations); err != nil {
			return err
		}
		logger.Infof("Generated %d transactions into %s", len(invocations), *replayFile)
	}

	invocations, err := infra.LoadInvocations(*replayFile)
	if err != nil {
		return err
	}

	summary, err := infra.Replay(ctx, process.Coordinator, invocations,
		*replayChannel, *replayChaincode, process.Config.Rate, process.Config.Burst, logger)
	if summary != nil {
		logger.Infof("ALL Transactions: %d", summary.Total)
		logger.Infof("VALID Transactions: %d", summary.Valid)
		for kind, n := range summary.Aborted {
			logger.Infof("ABORTED Transactions (%s): %d", kind, n)
		}
		logger.Infof("Duration: %.3fs", summary.Duration.Seconds())
		if summary.Duration > 0 {
			logger.Infof("TPS: %.3f", float64(summary.Total)/summary.Duration.Seconds())
		}
	}
	return err
}

func channelOrDefault(name string, config *infra.Config) string {
	if name != "" {
		return name
	}
	return config.Channel
}

func printVerdict(verdict *core.Verdict, err error) error {
	if verdict != nil {
		if perr := printJSON(verdict); perr != nil {
			return perr
		}
	}
	return err
}

func printBlock(block *common.Block) error {
	m := jsonpb.Marshaler{Indent: "  "}
	out, err := m.MarshalToString(block)
	if err != nil {
		return errors.Wrap(err, "fail to print block")
	}
	fmt.Println(out)
	return nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "fail to print result")
	}
	fmt.Println(string(out))
	return nil
}
