package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"contractstream/internal/apperr"
)

// SolanaRPCClient is the default TokenAccountRPC implementation: a plain
// JSON-RPC POST to RPC_URL, grounded on the same retryablehttp discipline
// as HTTPSolPriceOracle. getTokenAccountsByOwner filtered by mint returns
// at most one account per (wallet, mint) pair for an SPL token; a missing
// account is reported as zero balance, not an error (spec.md §6).
type SolanaRPCClient struct {
	url    string
	client *retryablehttp.Client
	log    zerolog.Logger
}

// NewSolanaRPCClient builds a client against url.
func NewSolanaRPCClient(url string, maxRetries int, log zerolog.Logger) *SolanaRPCClient {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = maxRetries
	rc.Logger = nil
	return &SolanaRPCClient{
		url:    url,
		client: rc,
		log:    log.With().Str("component", "oracle.solana_rpc").Logger(),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type tokenAccountsResponse struct {
	Result struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals int32  `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// TokenAccountBalance implements TokenAccountRPC.
func (c *SolanaRPCClient) TokenAccountBalance(ctx context.Context, mint, wallet string) (rawAmount int64, decimals int32, err error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTokenAccountsByOwner",
		Params: []interface{}{
			wallet,
			map[string]string{"mint": mint},
			map[string]string{"encoding": "jsonParsed"},
		},
	})
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.Fatal, "marshal rpc request", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.Fatal, "build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.Transient, "rpc request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, apperr.New(apperr.Transient, fmt.Sprintf("rpc endpoint returned %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.Transient, "read rpc body", err)
	}

	var parsed tokenAccountsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, 0, apperr.Wrap(apperr.Transient, "parse rpc body", err)
	}
	if parsed.Error != nil {
		return 0, 0, apperr.New(apperr.Transient, "rpc error: "+parsed.Error.Message)
	}
	if len(parsed.Result.Value) == 0 {
		return 0, 0, nil // missing account = zero balance, not an error
	}

	info := parsed.Result.Value[0].Account.Data.Parsed.Info.TokenAmount
	amount, err := strconv.ParseInt(info.Amount, 10, 64)
	if err != nil {
		return 0, 0, apperr.Wrap(apperr.Transient, "parse token amount", err)
	}
	return amount, info.Decimals, nil
}

var _ TokenAccountRPC = (*SolanaRPCClient)(nil)
