package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/metrics"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/node"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/p2p"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/storage"
)

var (
	dataDir       string
	listenAddr    string
	advertiseAddr string
	network       string
	modeName      string
	credential    string
	validatorName string
	metricsAddr   string
	verbosity     int
	dev           bool
	light         bool
	seeds         cli.StringSlice
	watch         cli.StringSlice
)

func setupLog() {
	h := log.StreamHandler(os.Stderr, log.TerminalFormat())
	log.Root().SetHandler(log.LvlFilterHandler(log.Lvl(verbosity), h))
}

func serveMetrics(reg *prometheus.Registry) {
	if metricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		err := http.ListenAndServe(metricsAddr, mux)
		if err != nil {
			log.Error("metrics server stopped", "err", err)
		}
	}()
}

func p2pConfig(cfg *p2p.Config) {
	cfg.ListenAddr = listenAddr
	cfg.AdvertiseAddr = advertiseAddr
	cfg.Network = network
	cfg.Seeds = append(cfg.Seeds, seeds...)
}

func loadKey() (*ledger.Key, error) {
	if credential != "" {
		return ledger.LoadCredential(credential)
	}

	if dev {
		log.Warn("using the public development genesis key")
		return ledger.DevGenesisKey(), nil
	}
	return nil, nil
}

func runLight(ctx context.Context, reg *prometheus.Registry) error {
	cfg := node.DefaultConfig().P2P
	p2pConfig(&cfg)

	ln, err := p2p.NewLightNode(cfg, storage.New(storage.NewMemoryBackend()), metrics.New(reg))
	if err != nil {
		return err
	}

	ln.Watch(watch...)
	go func() {
		for c := range ln.Confirmations() {
			log.Info("transaction confirmed", "address", fmt.Sprintf("%.16s", c.Address), "id", c.Proof.Transaction.ID, "block", c.Proof.BlockIndex)
		}
	}()
	return ln.Run(ctx)
}

func runFull(ctx context.Context, reg *prometheus.Registry) error {
	cfg := node.DefaultConfig()
	cfg.DataDir = dataDir
	p2pConfig(&cfg.P2P)

	mode, err := node.ParseMode(modeName)
	if err != nil {
		return err
	}
	cfg.Mode = mode

	cfg.Key, err = loadKey()
	if err != nil {
		return err
	}

	n, err := node.New(cfg, metrics.New(reg))
	if err != nil {
		return err
	}

	if validatorName != "" {
		if mode != node.ProofOfVibe {
			return errors.New("validator registration needs the pov mode")
		}

		if err := n.BecomeValidator(validatorName); err != nil {
			n.Close()
			return fmt.Errorf("register validator: %w", err)
		}
		log.Info("submitted validator registration", "name", validatorName, "address", fmt.Sprintf("%.16s", n.Address()))
	}

	s := n.Status()
	log.Info("node started", "id", s.NodeID, "mode", s.Mode, "height", s.Height, "tip", fmt.Sprintf("%.16s", s.TipHash))
	return n.Run(ctx)
}

func run(c *cli.Context) error {
	setupLog()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	serveMetrics(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if light {
		err = runLight(ctx, reg)
	} else {
		err = runFull(ctx, reg)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	app := cli.NewApp()
	app.Name = "VibeCoin node"
	app.Usage = "run a full or light VibeCoin node"

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "datadir",
			Usage:       "chain database directory, the chain is kept in memory when empty",
			Destination: &dataDir,
		},
		cli.StringFlag{
			Name:        "listen",
			Value:       ":6001",
			Usage:       "address to accept peer connections on",
			Destination: &listenAddr,
		},
		cli.StringFlag{
			Name:        "advertise",
			Usage:       "address announced to peers, defaults to the listen address",
			Destination: &advertiseAddr,
		},
		cli.StringSliceFlag{
			Name:  "seed",
			Usage: "seed peer address, may be repeated",
			Value: &seeds,
		},
		cli.StringFlag{
			Name:        "network",
			Value:       "vibecoin-mainnet",
			Usage:       "network name, peers on other networks are refused",
			Destination: &network,
		},
		cli.StringFlag{
			Name:        "mode",
			Value:       string(node.ProofOfVibe),
			Usage:       "consensus mode: pow or pov",
			Destination: &modeName,
		},
		cli.StringFlag{
			Name:        "credential, c",
			Usage:       "path to the producer credential file",
			Destination: &credential,
		},
		cli.BoolFlag{
			Name:        "dev",
			Usage:       "produce blocks with the development genesis key when no credential is given",
			Destination: &dev,
		},
		cli.StringFlag{
			Name:        "validator",
			Usage:       "stake and register the producer key as a validator with this name",
			Destination: &validatorName,
		},
		cli.BoolFlag{
			Name:        "light",
			Usage:       "run a light node keeping only block headers",
			Destination: &light,
		},
		cli.StringSliceFlag{
			Name:  "watch",
			Usage: "address a light node is notified about, may be repeated",
			Value: &watch,
		},
		cli.StringFlag{
			Name:        "metrics.addr",
			Usage:       "address to serve prometheus metrics on, disabled when empty",
			Destination: &metricsAddr,
		},
		cli.IntFlag{
			Name:        "verbosity",
			Value:       int(log.LvlInfo),
			Usage:       "log level: 0=crit 1=error 2=warn 3=info 4=debug",
			Destination: &verbosity,
		},
	}
	app.Action = run

	err := app.Run(os.Args)
	if err != nil {
		fmt.Printf("node failed with error: %v\n", err)
		os.Exit(1)
	}
}
