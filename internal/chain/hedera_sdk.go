package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashgraph/hedera-sdk-go/v2"
)

// SDKNetwork talks to Hedera through the official SDK client.
type SDKNetwork struct {
	client *hedera.Client
}

// NewSDKNetwork connects to network ("testnet", "mainnet", "previewnet") as the operator.
func NewSDKNetwork(network, operatorID, operatorKey string) (*SDKNetwork, error) {
	if operatorID == "" || operatorKey == "" {
		return nil, errors.New("hedera operator credentials are not configured")
	}
	client, err := hedera.ClientForName(network)
	if err != nil {
		return nil, fmt.Errorf("hedera client: %w", err)
	}
	id, err := hedera.AccountIDFromString(operatorID)
	if err != nil {
		return nil, fmt.Errorf("parse operator id: %w", err)
	}
	key, err := hedera.PrivateKeyFromString(operatorKey)
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}
	client.SetOperator(id, key)
	return &SDKNetwork{client: client}, nil
}

// Close releases the client's connections.
func (n *SDKNetwork) Close() error {
	return n.client.Close()
}

func (n *SDKNetwork) Mint(ctx context.Context, tokenID string, metadata []byte) (int64, string, error) {
	token, err := hedera.TokenIDFromString(tokenID)
	if err != nil {
		return 0, "", fmt.Errorf("parse token id: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}
	resp, err := hedera.NewTokenMintTransaction().
		SetTokenID(token).
		SetMetadata(metadata).
		Execute(n.client)
	if err != nil {
		return 0, "", fmt.Errorf("submit mint: %w", err)
	}
	receipt, err := resp.GetReceipt(n.client)
	if err != nil {
		return 0, resp.TransactionID.String(), fmt.Errorf("mint receipt: %w", err)
	}
	if len(receipt.SerialNumbers) == 0 {
		return 0, resp.TransactionID.String(), errors.New("mint receipt carried no serial number")
	}
	return receipt.SerialNumbers[0], resp.TransactionID.String(), nil
}

func (n *SDKNetwork) Transfer(ctx context.Context, tokenID string, serial int64, from, to string) (Receipt, error) {
	token, err := hedera.TokenIDFromString(tokenID)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse token id: %w", err)
	}
	sender, err := hedera.AccountIDFromString(from)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse sender: %w", err)
	}
	receiver, err := hedera.AccountIDFromString(to)
	if err != nil {
		return Receipt{}, fmt.Errorf("parse recipient: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	resp, err := hedera.NewTransferTransaction().
		AddNftTransfer(hedera.NftID{TokenID: token, SerialNumber: serial}, sender, receiver).
		Execute(n.client)
	if err != nil {
		return Receipt{}, fmt.Errorf("submit transfer: %w", err)
	}
	receipt, err := resp.GetReceipt(n.client)
	if err != nil {
		return Receipt{TransactionID: resp.TransactionID.String()}, fmt.Errorf("transfer receipt: %w", err)
	}
	return Receipt{TransactionID: resp.TransactionID.String(), Status: receipt.Status.String()}, nil
}
