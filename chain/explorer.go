package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Transfer is one inbound transaction reported by the block explorer.
type Transfer struct {
	Hash        string `json:"hash"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	BlockNumber string `json:"blockNumber"`
	BlockHash   string `json:"blockHash"`
}

type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// Explorer queries an etherscan-compatible indexer for transactions touching
// an address. Lookups are best effort: indexing lags the chain, so an empty
// result is not an error.
type Explorer struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewExplorer constructs a client for one chain's explorer API.
func NewExplorer(baseURL, apiKey string) *Explorer {
	return &Explorer{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// NativeTransfers lists native-asset transactions for an address within a
// block range.
func (e *Explorer) NativeTransfers(ctx context.Context, address string, startBlock, endBlock uint64) ([]Transfer, error) {
	return e.list(ctx, "txlist", address, "", startBlock, endBlock)
}

// TokenTransfers lists ERC-20 transfer events for an address and token
// contract within a block range.
func (e *Explorer) TokenTransfers(ctx context.Context, tokenContract, address string, startBlock, endBlock uint64) ([]Transfer, error) {
	return e.list(ctx, "tokentx", address, tokenContract, startBlock, endBlock)
}

func (e *Explorer) list(ctx context.Context, action, address, contract string, startBlock, endBlock uint64) ([]Transfer, error) {
	if e.baseURL == "" {
		return nil, fmt.Errorf("explorer not configured")
	}
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", action)
	params.Set("address", address)
	if contract != "" {
		params.Set("contractaddress", contract)
	}
	params.Set("startblock", strconv.FormatUint(startBlock, 10))
	params.Set("endblock", strconv.FormatUint(endBlock, 10))
	params.Set("page", "1")
	params.Set("offset", "100")
	params.Set("sort", "asc")
	if e.apiKey != "" {
		params.Set("apikey", e.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("explorer %s: status %d", action, resp.StatusCode)
	}

	var body explorerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("explorer %s: decode: %w", action, err)
	}
	// Explorers report "no transactions found" as status 0 with an empty
	// result list, which is indistinguishable from indexing lag.
	if body.Status != "1" {
		return nil, nil
	}
	var transfers []Transfer
	if err := json.Unmarshal(body.Result, &transfers); err != nil {
		return nil, fmt.Errorf("explorer %s: decode result: %w", action, err)
	}
	return transfers, nil
}
