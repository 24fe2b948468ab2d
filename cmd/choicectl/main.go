package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"confidential-choice/api"
	"confidential-choice/config"
	"confidential-choice/encryption"
	"confidential-choice/models"
	"confidential-choice/service"
)

const usage = `usage: choicectl [flags] <command> [args]

commands:
  keygen                    print a new identity key
  choose <key> <value>      submit or update the choice of the key's identity
  reveal <key>              decrypt the stored choice of the key's identity
  status <address>          show the registry state of an identity
  simulate <identities>     choose and reveal for many fresh identities
`

type client struct {
	cfg      *config.Config
	log      *logrus.Logger
	rpc      *rpc.Client
	registry *api.RegistryClient
	keyring  *encryption.Keyring
	service  *service.ChoiceService
}

func main() {
	cfg, args, err := config.Parse("choicectl", os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(os.Stderr, usage)
			return
		}
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	log := cfg.NewLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := run(ctx, cfg, log, args); err != nil {
		log.Fatalf("%s failed: %v", args[0], err)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger, args []string) error {
	if args[0] == "keygen" {
		return keygen()
	}

	c, err := connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.rpc.Close()

	switch args[0] {
	case "choose":
		if len(args) != 3 {
			return errors.New("usage: choose <key> <value>")
		}
		value, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", args[2], err)
		}
		return c.choose(ctx, args[1], value)
	case "reveal":
		if len(args) != 2 {
			return errors.New("usage: reveal <key>")
		}
		return c.reveal(ctx, args[1])
	case "status":
		if len(args) != 2 || !common.IsHexAddress(args[1]) {
			return errors.New("usage: status <address>")
		}
		return c.status(ctx, common.HexToAddress(args[1]))
	case "simulate":
		n := 10
		if len(args) > 1 {
			if n, err = strconv.Atoi(args[1]); err != nil || n < 1 {
				return fmt.Errorf("invalid identity count %q", args[1])
			}
		}
		return c.simulate(ctx, n)
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func keygen() error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	return printJSON(map[string]string{
		"address":     crypto.PubkeyToAddress(key.PublicKey).Hex(),
		"private_key": fmt.Sprintf("%x", crypto.FromECDSA(key)),
	})
}

func connect(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*client, error) {
	rpcClient, err := api.Dial(ctx, cfg.RPCEndpoint)
	if err != nil {
		return nil, err
	}
	keyring := encryption.NewKeyring()
	registry, err := api.NewRegistryClient(ctx, rpcClient, keyring)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	if registry.ChainID() != cfg.ChainID {
		log.WithFields(logrus.Fields{
			"configured": cfg.ChainID,
			"remote":     registry.ChainID(),
		}).Warn("chain id differs from the registry's, using the registry's")
	}

	coprocessor := api.NewCoprocessorClient(rpcClient)
	svc, err := service.NewChoiceService(service.Config{
		Registry:       registry,
		Encrypter:      coprocessor,
		Decrypter:      coprocessor,
		Keyring:        keyring,
		ChainID:        registry.ChainID(),
		MinChoice:      cfg.MinChoice,
		MaxChoice:      cfg.MaxChoice,
		PermitDuration: cfg.PermitDuration,
		Logger:         log,
	})
	if err != nil {
		rpcClient.Close()
		return nil, err
	}

	return &client{cfg: cfg, log: log, rpc: rpcClient, registry: registry, keyring: keyring, service: svc}, nil
}

func (c *client) identity(hexKey string) (common.Address, error) {
	signer, err := encryption.HexKeySigner(hexKey)
	if err != nil {
		return common.Address{}, err
	}
	c.keyring.Add(signer)
	return signer.Address(), nil
}

func (c *client) choose(ctx context.Context, hexKey string, value uint64) error {
	id, err := c.identity(hexKey)
	if err != nil {
		return err
	}
	err = c.service.SubmitOrUpdateChoice(ctx, id, value)
	fmt.Println(c.service.Status(id).Message)
	return err
}

func (c *client) reveal(ctx context.Context, hexKey string) error {
	id, err := c.identity(hexKey)
	if err != nil {
		return err
	}
	value, err := c.service.RevealMyChoice(ctx, id)
	if err != nil {
		if models.Retryable(err) {
			c.log.Warn("decryption is temporarily unavailable, try again")
		}
		return err
	}
	return printJSON(map[string]interface{}{
		"identity": id.Hex(),
		"choice":   value,
	})
}

func (c *client) status(ctx context.Context, id common.Address) error {
	chosen, err := c.registry.HasChosen(ctx, id)
	if err != nil {
		return err
	}
	handle, err := c.registry.ViewChoice(ctx, id)
	if err != nil {
		return err
	}
	nonce, err := c.registry.Nonce(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"registry":   c.registry.Address().Hex(),
		"identity":   id.Hex(),
		"has_chosen": chosen,
		"handle":     handle.Hex(),
		"nonce":      nonce,
	})
}

// simulate chooses twice for n fresh identities, the second time as an
// update, and checks every reveal returns the last choice.
func (c *client) simulate(ctx context.Context, n int) error {
	maxChoice := c.cfg.MaxChoice
	if maxChoice == 0 {
		maxChoice = 100
	}
	pick := func() uint64 {
		return c.cfg.MinChoice + uint64(rand.Int63n(int64(maxChoice-c.cfg.MinChoice+1)))
	}

	ids := make([]common.Address, 0, n)
	for i := 0; i < n; i++ {
		signer, err := encryption.GenerateKeySigner()
		if err != nil {
			return err
		}
		c.keyring.Add(signer)
		ids = append(ids, signer.Address())
	}

	qp := service.NewQueueProcessor(c.service, c.cfg.Workers, n, 0)
	qp.Start(ctx)
	defer qp.Stop()

	final := make(map[common.Address]uint64, n)
	failures := 0
	for round := 0; round < 2; round++ {
		choices := make(map[common.Address]uint64, n)
		for _, id := range ids {
			choices[id] = pick()
		}
		for _, ch := range qp.BatchQueueChoices(choices) {
			res := <-ch
			if !res.Success {
				failures++
				c.log.WithField("identity", res.Identity.Hex()).Warnf("choice failed: %s", res.ErrorMessage)
				continue
			}
			final[res.Identity] = res.Value
		}
	}

	mismatches := 0
	for _, id := range ids {
		res := <-qp.QueueReveal(id)
		if !res.Success {
			failures++
			c.log.WithField("identity", id.Hex()).Warnf("reveal failed: %s", res.ErrorMessage)
			continue
		}
		if want, ok := final[id]; ok && want != res.Value {
			mismatches++
			c.log.WithFields(logrus.Fields{"identity": id.Hex(), "want": want, "got": res.Value}).Error("revealed value mismatch")
		}
	}

	if err := printJSON(map[string]interface{}{
		"identities": n,
		"failures":   failures,
		"mismatches": mismatches,
		"metrics":    c.service.Metrics().GetMetrics(),
	}); err != nil {
		return err
	}
	if mismatches > 0 {
		return fmt.Errorf("%d reveals did not match the last choice", mismatches)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
