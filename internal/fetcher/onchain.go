package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

const (
	erc20TransferABIJSON = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`
	defaultBlockChunk    = 5000
)

var (
	erc20ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// chainReader is the subset of ethclient.Client used by the scanner.
type chainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// OnChainOptions parameterise the RPC log scanner.
type OnChainOptions struct {
	// RPCURLs maps chain names onto JSON-RPC endpoints.
	RPCURLs    map[string]string
	Timeout    time.Duration
	BlockChunk uint64
}

// OnChain scans ERC-20 Transfer logs into a fee collector straight from an Ethereum RPC node.
type OnChain struct {
	opts      OnChainOptions
	logger    zerolog.Logger
	dial      func(ctx context.Context, url string) (chainReader, error)
	clients   map[string]chainReader
	clientMux sync.Mutex
}

// NewOnChain builds a new scanner.
func NewOnChain(opts OnChainOptions, logger zerolog.Logger) *OnChain {
	if opts.BlockChunk == 0 {
		opts.BlockChunk = defaultBlockChunk
	}
	return &OnChain{
		opts:   opts,
		logger: logger.With().Str("component", "onchain_fetcher").Logger(),
		dial: func(ctx context.Context, url string) (chainReader, error) {
			return ethclient.DialContext(ctx, url)
		},
		clients: make(map[string]chainReader),
	}
}

// Name implements Source.
func (o *OnChain) Name() string { return SourceOnChain }

// Fetch implements Source.
func (o *OnChain) Fetch(ctx context.Context, req Request) ([]domain.RawObservation, error) {
	chain := strings.ToLower(req.ChainID)
	if chain == "" {
		chain = "ethereum"
	}
	if req.Target.Token == "" {
		return nil, errors.New("onchain token contract not configured")
	}
	if req.Target.Address == "" {
		return nil, errors.New("onchain recipient address not configured")
	}

	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	client, err := o.getClient(ctx, chain)
	if err != nil {
		return nil, err
	}

	head, err := client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	from, err := firstBlockAtOrAfter(ctx, client, head, req.Start)
	if err != nil {
		return nil, err
	}
	to, err := firstBlockAtOrAfter(ctx, client, head, req.End)
	if err != nil {
		return nil, err
	}
	if to == 0 || from >= to {
		return nil, nil
	}
	to-- // last block strictly before End

	token := common.HexToAddress(req.Target.Token)
	recipient := common.HexToAddress(req.Target.Address)
	topics := [][]common.Hash{
		{erc20ABI.Events["Transfer"].ID},
		nil,
		{common.BytesToHash(recipient.Bytes())},
	}

	decimals := req.Target.Decimals
	if decimals <= 0 {
		decimals = 18
	}
	symbol := withDefault(req.Target.Symbol, "ETH")
	blockTimes := make(map[uint64]uint64)

	var out []domain.RawObservation
	partial := &PartialError{Source: SourceOnChain}
	for start := from; start <= to; start += o.opts.BlockChunk {
		end := start + o.opts.BlockChunk - 1
		if end > to {
			end = to
		}
		logs, err := client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{token},
			Topics:    topics,
		})
		if err != nil {
			return nil, fmt.Errorf("filter logs %d-%d: %w", start, end, err)
		}

		for _, lg := range logs {
			if lg.Removed || len(lg.Topics) < 3 {
				continue
			}
			ts, ok := blockTimes[lg.BlockNumber]
			if !ok {
				header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
				if err != nil {
					return nil, fmt.Errorf("header %d: %w", lg.BlockNumber, err)
				}
				ts = header.Time
				blockTimes[lg.BlockNumber] = ts
			}

			values, err := erc20ABI.Unpack("Transfer", lg.Data)
			if err != nil || len(values) != 1 {
				partial.skip("transfer log %s:%d has unreadable data", lg.TxHash.Hex(), lg.Index)
				continue
			}
			amount, ok := values[0].(*big.Int)
			if !ok || amount.Sign() == 0 {
				continue
			}

			out = append(out, domain.RawObservation{
				ProtocolID:   req.ProtocolID,
				ChainID:      chain,
				Timestamp:    strconv.FormatUint(ts, 10),
				Amount:       decimal.NewFromBigInt(amount, -decimals).String(),
				Currency:     symbol,
				Source:       SourceOnChain,
				RawRef:       lg.TxHash.Hex() + ":" + strconv.FormatUint(uint64(lg.Index), 10),
				Category:     withDefault(req.Target.Category, "fees"),
				FeeType:      withDefault(req.Target.FeeType, "token_transfer"),
				Counterparty: strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
			})
		}
	}

	o.logger.Debug().Str("protocol", req.ProtocolID).Uint64("from_block", from).Uint64("to_block", to).Int("observations", len(out)).Msg("transfer logs scanned")
	return out, partial.orNil()
}

// firstBlockAtOrAfter binary searches the first block whose timestamp is >= t. It returns head+1 when none is.
func firstBlockAtOrAfter(ctx context.Context, client chainReader, head uint64, t time.Time) (uint64, error) {
	target := uint64(t.Unix())
	lo, hi := uint64(0), head+1
	for lo < hi {
		mid := lo + (hi-lo)/2
		header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(mid))
		if err != nil {
			return 0, fmt.Errorf("header %d: %w", mid, err)
		}
		if header.Time >= target {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

func (o *OnChain) getClient(ctx context.Context, chain string) (chainReader, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if c, ok := o.clients[chain]; ok {
		return c, nil
	}
	url := o.opts.RPCURLs[chain]
	if url == "" {
		return nil, fmt.Errorf("no rpc url configured for chain %q", chain)
	}
	client, err := o.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	o.clients[chain] = client
	return client, nil
}

var _ Source = (*OnChain)(nil)
