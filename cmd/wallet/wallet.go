package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/urfave/cli"

	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/ledger"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/node"
	"github.com/IOSBLKSTUDIO/VibeCoin-sub000/pkg/p2p"
)

const decimals = 8

var (
	credentialPath string
	peerAddr       string
	network        string
	timeout        time.Duration
)

func coinToStr(amount uint64) string {
	str := strconv.FormatUint(amount, 10)
	if len(str) <= decimals {
		return "0." + string(bytes.Repeat([]byte("0"), decimals-len(str))) + str
	}

	intPart := str[:len(str)-decimals]
	rest := str[len(str)-decimals:]
	return intPart + "." + rest
}

// strToCoin parses a decimal VIBE amount into base units.
func strToCoin(s string) (uint64, error) {
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i+1:]
	}

	if len(frac) > decimals {
		return 0, fmt.Errorf("amount %s has more than %d decimals", s, decimals)
	}

	if intPart == "" {
		intPart = "0"
	}

	v, err := strconv.ParseUint(intPart+frac+strings.Repeat("0", decimals-len(frac)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %s: %v", s, err)
	}
	return v, nil
}

func newCredential(c *cli.Context) error {
	if credentialPath == "" {
		return errors.New("please specify the credential path using -c")
	}

	if _, err := os.Stat(credentialPath); err == nil {
		return fmt.Errorf("credential file %s already exists", credentialPath)
	}

	k, err := ledger.GenerateKey()
	if err != nil {
		return err
	}

	err = ledger.SaveCredential(credentialPath, k)
	if err != nil {
		return err
	}

	fmt.Printf("Addr:\n%s\n", k.Address())
	return nil
}

func printAddress(c *cli.Context) error {
	k, err := ledger.LoadCredential(credentialPath)
	if err != nil {
		return err
	}

	fmt.Println(k.Address())
	return nil
}

func makeTransfer(c *cli.Context) (*ledger.Transaction, error) {
	args := c.Args()
	if len(args) < 2 {
		return nil, fmt.Errorf("needs at least 2 arguments (received: %d), please check usage using ./wallet -h", len(args))
	}

	k, err := ledger.LoadCredential(credentialPath)
	if err != nil {
		return nil, err
	}

	amount, err := strToCoin(args[1])
	if err != nil {
		return nil, err
	}

	var fee uint64
	if len(args) > 2 {
		fee, err = strToCoin(args[2])
		if err != nil {
			return nil, err
		}
	}

	t := ledger.NewTransaction(k.Address(), args[0], amount, fee, time.Now().UnixMilli(), c.String("data"))
	err = t.Sign(k)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func signTransfer(c *cli.Context) error {
	t, err := makeTransfer(c)
	if err != nil {
		return err
	}

	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(b))
	return nil
}

func dial(ctx context.Context) (*p2p.LightNode, error) {
	if peerAddr == "" {
		return nil, errors.New("please specify a full node using --peer")
	}

	cfg := node.DefaultConfig().P2P
	cfg.Network = network
	ln, err := p2p.NewLightNode(cfg, nil, nil)
	if err != nil {
		return nil, err
	}

	_, err = ln.Connect(ctx, peerAddr)
	if err != nil {
		ln.Stop()
		return nil, err
	}
	return ln, nil
}

func sendTransfer(c *cli.Context) error {
	t, err := makeTransfer(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ln, err := dial(ctx)
	if err != nil {
		return err
	}
	defer ln.Stop()

	err = ln.SubmitTransaction(t)
	if err != nil {
		return err
	}

	fmt.Printf("sent %s VIBE to %.16s..., transaction id:\n%s\n", coinToStr(t.Amount), t.To, t.ID)
	return nil
}

func verifyTransaction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("please specify the transaction id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ln, err := dial(ctx)
	if err != nil {
		return err
	}
	defer ln.Stop()

	proof, err := ln.RequestProof(ctx, id)
	if err != nil {
		return err
	}

	t := proof.Transaction
	fmt.Printf("confirmed in block %d (%s)\n", proof.BlockIndex, proof.BlockHash)
	fmt.Printf("From:   %s\nTo:     %s\nAmount: %s\nFee:    %s\n", t.From, t.To, coinToStr(t.Amount), coinToStr(t.Fee))
	return nil
}

func main() {
	log.Root().SetHandler(log.LvlFilterHandler(log.LvlWarn, log.StreamHandler(os.Stderr, log.TerminalFormat())))

	app := cli.NewApp()
	app.Name = "VibeCoin wallet"
	app.Usage = ""

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "credential, c",
			Usage:       "path to the credential file",
			Destination: &credentialPath,
		},
		cli.StringFlag{
			Name:        "peer",
			Value:       "127.0.0.1:6001",
			Usage:       "full node peer address",
			Destination: &peerAddr,
		},
		cli.StringFlag{
			Name:        "network",
			Value:       "vibecoin-mainnet",
			Usage:       "network name of the peer",
			Destination: &network,
		},
		cli.DurationFlag{
			Name:        "timeout",
			Value:       30 * time.Second,
			Usage:       "how long to wait for the peer",
			Destination: &timeout,
		},
	}

	dataFlag := cli.StringFlag{
		Name:  "data",
		Usage: "note attached to the transaction",
	}

	app.Commands = []cli.Command{
		{
			Name:   "new",
			Usage:  "Create a new key: ./wallet -c CREDENTIAL_FILE_PATH new",
			Action: newCredential,
		},
		{
			Name:   "address",
			Usage:  "Print the address of the key: ./wallet -c CREDENTIAL_FILE_PATH address",
			Action: printAddress,
		},
		{
			Name:   "sign",
			Usage:  "Print a signed transfer without sending it: ./wallet -c CREDENTIAL_FILE_PATH sign ADDRESS AMOUNT [FEE]",
			Flags:  []cli.Flag{dataFlag},
			Action: signTransfer,
		},
		{
			Name:   "send",
			Usage:  "Send VIBE to an address: ./wallet -c CREDENTIAL_FILE_PATH send ADDRESS AMOUNT [FEE] (AMOUNT and FEE in VIBE, e.g. 1.5)",
			Flags:  []cli.Flag{dataFlag},
			Action: sendTransfer,
		},
		{
			Name:   "verify",
			Usage:  "Verify that a transaction is in the chain: ./wallet verify TRANSACTION_ID",
			Action: verifyTransaction,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Printf("command failed with error: %v\n", err)
		os.Exit(1)
	}
}
