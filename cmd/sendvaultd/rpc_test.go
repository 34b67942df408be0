package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendvault/sendvault/pkg/config"
)

func word(b []byte) string {
	w := make([]byte, wordSize)
	copy(w[wordSize-len(b):], b)
	return hex.EncodeToString(w)
}

func leftWord(b []byte) string {
	w := make([]byte, wordSize)
	copy(w, b)
	return hex.EncodeToString(w)
}

func paidLogData(amount, fee int64, contentHash []byte, messageID string) string {
	return "0x" +
		word(big.NewInt(amount).Bytes()) +
		word(big.NewInt(fee).Bytes()) +
		hex.EncodeToString(contentHash) +
		leftWord([]byte(messageID))
}

func topicFor(addr string) string {
	return "0x000000000000000000000000" + addr
}

func TestDecodeLog(t *testing.T) {
	contentHash := make([]byte, wordSize)
	contentHash[0] = 0xab
	lg := &rpcLog{
		Topics:          []string{"0xsig", topicFor("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), topicFor("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")},
		Data:            paidLogData(500_000_000, 25_000_000, contentHash, "m1"),
		BlockNumber:     "0x64",
		BlockHash:       "0xBH",
		TransactionHash: "0xTX",
		LogIndex:        "0x2",
	}

	ev, err := decodeLog(lg)
	require.NoError(t, err)
	assert.Equal(t, "m1", ev.MessageID)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", ev.Payer)
	assert.Equal(t, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", ev.Recipient)
	assert.Equal(t, big.NewInt(500_000_000), ev.Amount)
	assert.Equal(t, big.NewInt(25_000_000), ev.Fee)
	assert.Equal(t, hex.EncodeToString(contentHash), ev.ContentHash)
	assert.Equal(t, uint64(100), ev.BlockNumber)
	assert.Equal(t, uint(2), ev.LogIndex)
	assert.Equal(t, "0xTX", ev.TxHash)
}

func TestDecodeLogRejectsForeignShapes(t *testing.T) {
	_, err := decodeLog(&rpcLog{Topics: []string{"0xsig"}})
	assert.Error(t, err)

	_, err = decodeLog(&rpcLog{
		Topics:      []string{"0xsig", "0xa", "0xb"},
		Data:        "0x0000",
		BlockNumber: "0x1",
		LogIndex:    "0x0",
	})
	assert.Error(t, err)
}

func TestChainClientRPC(t *testing.T) {
	contentHash := make([]byte, wordSize)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		switch req.Method {
		case "eth_blockNumber":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x2a"}`))
		case "eth_getLogs":
			filter := req.Params[0].(map[string]any)
			assert.Equal(t, "0xvault", filter["address"])
			assert.Equal(t, "0xa", filter["fromBlock"])
			assert.Equal(t, "0x2a", filter["toBlock"])
			logs := []rpcLog{{
				Topics:          []string{"0xsig", topicFor("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), topicFor("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")},
				Data:            paidLogData(7, 0, contentHash, "m7"),
				BlockNumber:     "0x20",
				BlockHash:       "0xBH",
				TransactionHash: "0xTX",
				LogIndex:        "0x0",
			}}
			body, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "result": logs})
			_, _ = w.Write(body)
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}
	}))
	defer srv.Close()

	c := newChainClient(&config.Config{ChainRPCURL: srv.URL, VaultAddress: "0xVAULT"})

	head, err := c.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), head)

	events, err := c.MessagePaidEvents(context.Background(), 10, 42)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m7", events[0].MessageID)
	assert.Equal(t, big.NewInt(7), events[0].Amount)
}

func TestRPCErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"missing trie node"}}`))
	}))
	defer srv.Close()

	c := newChainClient(&config.Config{ChainRPCURL: srv.URL, VaultAddress: "0xvault"})
	_, err := c.BlockNumber(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing trie node")
}
