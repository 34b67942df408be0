package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sendvault/sendvault/pkg/config"
	"github.com/sendvault/sendvault/pkg/indexer"
)

// chainClient is the JSON-RPC adapter behind indexer.ChainClient. It
// filters logs by the vault address and decodes the MessagePaid layout:
// topics[1]=payer, topics[2]=recipient, data words = amount, fee,
// contentHash, message id (utf-8, zero-padded). Logs that do not match
// the layout are skipped.
type chainClient struct {
	url    string
	vault  string
	client *http.Client
	seq    atomic.Int64
}

func newChainClient(cfg *config.Config) *chainClient {
	return &chainClient{
		url:    cfg.ChainRPCURL,
		vault:  strings.ToLower(cfg.VaultAddress),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *chainClient) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.seq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}
	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("decode %s: %w", method, err)
	}
	if rr.Error != nil {
		return rr.Error
	}
	return json.Unmarshal(rr.Result, out)
}

func (c *chainClient) BlockNumber(ctx context.Context) (uint64, error) {
	var hexNum string
	if err := c.call(ctx, "eth_blockNumber", nil, &hexNum); err != nil {
		return 0, err
	}
	return parseHexUint(hexNum)
}

type rpcLog struct {
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	BlockHash       string   `json:"blockHash"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
}

func (c *chainClient) MessagePaidEvents(ctx context.Context, fromBlock, toBlock uint64) ([]indexer.Event, error) {
	filter := map[string]any{
		"address":   c.vault,
		"fromBlock": hexUint(fromBlock),
		"toBlock":   hexUint(toBlock),
	}
	var logs []rpcLog
	if err := c.call(ctx, "eth_getLogs", []any{filter}, &logs); err != nil {
		return nil, err
	}

	events := make([]indexer.Event, 0, len(logs))
	for i := range logs {
		ev, err := decodeLog(&logs[i])
		if err != nil {
			// Foreign log shape on the same contract; not ours.
			continue
		}
		events = append(events, *ev)
	}
	return events, nil
}

const wordSize = 32

func decodeLog(lg *rpcLog) (*indexer.Event, error) {
	if len(lg.Topics) < 3 {
		return nil, fmt.Errorf("want 3 topics, got %d", len(lg.Topics))
	}
	data, err := hex.DecodeString(strings.TrimPrefix(lg.Data, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	if len(data) < 4*wordSize {
		return nil, fmt.Errorf("want 4 data words, got %d bytes", len(data))
	}
	word := func(i int) []byte { return data[i*wordSize : (i+1)*wordSize] }

	blockNumber, err := parseHexUint(lg.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	logIndex, err := parseHexUint(lg.LogIndex)
	if err != nil {
		return nil, fmt.Errorf("log index: %w", err)
	}
	messageID := strings.TrimRight(string(word(3)), "\x00")
	if messageID == "" {
		return nil, fmt.Errorf("empty message id word")
	}

	return &indexer.Event{
		MessageID:   messageID,
		Payer:       topicAddress(lg.Topics[1]),
		Recipient:   topicAddress(lg.Topics[2]),
		Amount:      new(big.Int).SetBytes(word(0)),
		Fee:         new(big.Int).SetBytes(word(1)),
		ContentHash: hex.EncodeToString(word(2)),
		TxHash:      lg.TransactionHash,
		LogIndex:    uint(logIndex),
		BlockNumber: blockNumber,
		BlockHash:   lg.BlockHash,
	}, nil
}

// topicAddress extracts the 20-byte address from a 32-byte topic.
func topicAddress(topic string) string {
	t := strings.TrimPrefix(topic, "0x")
	if len(t) >= 40 {
		t = t[len(t)-40:]
	}
	return "0x" + strings.ToLower(t)
}

func hexUint(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func parseHexUint(v string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(v, "0x"), 16, 64)
}
