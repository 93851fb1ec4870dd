package discovery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	pairCreatedABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"token0","type":"address"},{"indexed":true,"internalType":"address","name":"token1","type":"address"},{"indexed":false,"internalType":"address","name":"pair","type":"address"},{"indexed":false,"internalType":"uint256","name":"","type":"uint256"}],"name":"PairCreated","type":"event"}]`
	erc20SymbolABIJSON = `[{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"payable":false,"stateMutability":"view","type":"function"}]`
)

var (
	pairCreatedABI abi.ABI
	erc20ABI       abi.ABI
)

func init() {
	var err error
	pairCreatedABI, err = abi.JSON(strings.NewReader(pairCreatedABIJSON))
	if err != nil {
		panic("failed to parse PairCreated ABI: " + err.Error())
	}
	erc20ABI, err = abi.JSON(strings.NewReader(erc20SymbolABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
}

// OnChainOptions parameterise the factory event watcher.
type OnChainOptions struct {
	RPCURL         string
	FactoryAddress string
	DataDir        string
	MaxBlockSpan   int64
	Timeout        time.Duration
}

// OnChain watches a Uniswap V2 style factory for PairCreated events and
// records freshly created pairs.
type OnChain struct {
	opts    OnChainOptions
	logger  zerolog.Logger
	factory common.Address

	clientMux sync.Mutex
	client    *ethclient.Client

	mu        sync.Mutex
	lastBlock uint64
	seen      map[string]struct{}
}

// NewOnChain constructs the watcher. The first cycle only records the chain
// head so that historical pairs are not reported.
func NewOnChain(opts OnChainOptions, logger zerolog.Logger) *OnChain {
	if opts.MaxBlockSpan <= 0 {
		opts.MaxBlockSpan = 2000
	}
	return &OnChain{
		opts:    opts,
		logger:  logger.With().Str("component", "onchain_detector").Logger(),
		factory: common.HexToAddress(opts.FactoryAddress),
		seen:    make(map[string]struct{}),
	}
}

// Poll runs one detection cycle.
func (o *OnChain) Poll(ctx context.Context) error {
	if o.opts.RPCURL == "" {
		return errors.New("ethereum rpc url not configured")
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := o.getClient(ctx)
	if err != nil {
		return err
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("chain head: %w", err)
	}

	o.mu.Lock()
	from := o.lastBlock + 1
	firstRun := o.lastBlock == 0
	o.mu.Unlock()

	if firstRun {
		o.setLastBlock(head)
		o.logger.Info().Uint64("block", head).Msg("onchain baseline recorded")
		return nil
	}
	if from > head {
		return nil
	}

	to := head
	if span := int64(to-from) + 1; span > o.opts.MaxBlockSpan {
		to = from + uint64(o.opts.MaxBlockSpan) - 1
	}

	logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{o.factory},
		Topics:    [][]common.Hash{{pairCreatedABI.Events["PairCreated"].ID}},
	})
	if err != nil {
		return fmt.Errorf("filter logs [%d,%d]: %w", from, to, err)
	}

	var fresh []Listing
	now := time.Now().UTC().Format(time.RFC3339)
	for _, entry := range logs {
		if len(entry.Topics) < 3 || len(entry.Data) < 32 {
			continue
		}
		token0 := common.BytesToAddress(entry.Topics[1].Bytes())
		token1 := common.BytesToAddress(entry.Topics[2].Bytes())
		pair := common.BytesToAddress(entry.Data[12:32])

		key := pair.Hex()
		o.mu.Lock()
		_, dup := o.seen[key]
		if !dup {
			o.seen[key] = struct{}{}
		}
		o.mu.Unlock()
		if dup {
			continue
		}

		base := o.tokenSymbol(ctx, client, token0)
		quote := o.tokenSymbol(ctx, client, token1)
		fresh = append(fresh, Listing{
			Symbol:     base + "/" + quote,
			Source:     "onchain",
			BaseAsset:  base,
			QuoteAsset: quote,
			SeenAt:     now,
			Address:    token0.Hex(),
			Pair:       key,
		})
	}

	o.setLastBlock(to)

	if len(fresh) == 0 {
		return nil
	}
	o.logger.Info().Int("pairs", len(fresh)).Uint64("from", from).Uint64("to", to).Msg("new pairs discovered")

	path := filepath.Join(o.opts.DataDir, OnChainFile)
	doc, err := ReadListings(path)
	if err != nil {
		return err
	}
	return WriteListings(path, append(fresh, doc.Items...))
}

func (o *OnChain) setLastBlock(block uint64) {
	o.mu.Lock()
	o.lastBlock = block
	o.mu.Unlock()
}

// tokenSymbol resolves the ERC-20 symbol() of a token, falling back to a
// shortened address for non-conforming contracts.
func (o *OnChain) tokenSymbol(ctx context.Context, client *ethclient.Client, token common.Address) string {
	payload, err := erc20ABI.Pack("symbol")
	if err != nil {
		return shortAddress(token)
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: payload}, nil)
	if err != nil {
		return shortAddress(token)
	}
	outputs, err := erc20ABI.Unpack("symbol", res)
	if err != nil || len(outputs) != 1 {
		return shortAddress(token)
	}
	symbol, ok := outputs[0].(string)
	if !ok || symbol == "" {
		return shortAddress(token)
	}
	return strings.ToUpper(symbol)
}

func shortAddress(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "…" + hex[len(hex)-4:]
}

func (o *OnChain) getClient(ctx context.Context) (*ethclient.Client, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.client != nil {
		return o.client, nil
	}
	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.client = client
	return client, nil
}
