package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signerFor(t *testing.T, status int, body broadcastResponse) (*SignerClient, *TxRequest) {
	t.Helper()
	var got TxRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/broadcast", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(server.Close)
	return NewSignerClient(SignerClientOpts{Endpoint: server.URL}), &got
}

func sampleRequest() TxRequest {
	return TxRequest{
		Wallet:   common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ChainID:  "chain-a",
		To:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Value:    big.NewInt(1000),
		Nonce:    7,
		GasLimit: 21_000,
		GasPrice: big.NewInt(100),
	}
}

func TestSignAndBroadcastSuccess(t *testing.T) {
	wantHash := "0x000000000000000000000000000000000000000000000000000000000000beef"
	client, got := signerFor(t, http.StatusOK, broadcastResponse{TxHash: wantHash})

	hash, err := client.SignAndBroadcast(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, wantHash, hash.Hex())

	assert.Equal(t, "chain-a", got.ChainID)
	assert.Equal(t, uint64(7), got.Nonce)
	assert.Equal(t, "1000", got.Value.String())
}

func TestSignAndBroadcastInsufficientFunds(t *testing.T) {
	client, _ := signerFor(t, http.StatusPaymentRequired, broadcastResponse{Error: "balance too low"})

	_, err := client.SignAndBroadcast(context.Background(), sampleRequest())
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Contains(t, err.Error(), "balance too low")
}

func TestSignAndBroadcastRejected(t *testing.T) {
	client, _ := signerFor(t, http.StatusUnprocessableEntity, broadcastResponse{Error: "nonce too low"})

	_, err := client.SignAndBroadcast(context.Background(), sampleRequest())
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSignAndBroadcastUnexpectedStatus(t *testing.T) {
	client, _ := signerFor(t, http.StatusInternalServerError, broadcastResponse{Error: "boom"})

	_, err := client.SignAndBroadcast(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected)
	assert.NotErrorIs(t, err, ErrInsufficientFunds)
}
