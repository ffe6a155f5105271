package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SignerClient talks to the external signing/broadcast service over HTTP.
// The service holds the keys; this process only ever sees transaction
// requests and resulting hashes.
type SignerClient struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
}

type SignerClientOpts struct {
	Endpoint string
	Timeout  time.Duration
	Logger   *slog.Logger
}

func NewSignerClient(opts SignerClientOpts) *SignerClient {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	return &SignerClient{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		http:     &http.Client{Timeout: opts.Timeout},
		logger:   opts.Logger,
	}
}

type broadcastResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error,omitempty"`
}

func (s *SignerClient) SignAndBroadcast(ctx context.Context, req TxRequest) (common.Hash, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode broadcast request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/v1/broadcast", bytes.NewReader(body))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to build broadcast request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return common.Hash{}, fmt.Errorf("broadcast request failed: %w", err)
	}
	defer resp.Body.Close()

	var decoded broadcastResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return common.Hash{}, fmt.Errorf("failed to decode broadcast response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return common.HexToHash(decoded.TxHash), nil
	case http.StatusPaymentRequired:
		return common.Hash{}, fmt.Errorf("%w: %s", ErrInsufficientFunds, decoded.Error)
	case http.StatusUnprocessableEntity:
		return common.Hash{}, fmt.Errorf("%w: %s", ErrRejected, decoded.Error)
	default:
		return common.Hash{}, fmt.Errorf("broadcast failed with status %d: %s", resp.StatusCode, decoded.Error)
	}
}
