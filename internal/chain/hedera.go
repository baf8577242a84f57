package chain

import (
	"context"
	"errors"

	"mint-pipeline/internal/breaker"
	"mint-pipeline/internal/models"
)

// Receipt is the consensus outcome of a transfer.
type Receipt struct {
	TransactionID string
	Status        string
}

// Network is the Hedera token service surface used for minting.
type Network interface {
	// Mint creates one serial of tokenID carrying metadata and returns its serial number.
	Mint(ctx context.Context, tokenID string, metadata []byte) (serial int64, txID string, err error)
	Transfer(ctx context.Context, tokenID string, serial int64, from, to string) (Receipt, error)
}

// HederaMinter mints to the operator treasury and transfers the serial to the recipient.
type HederaMinter struct {
	network  Network
	breaker  *breaker.Breaker
	tokenID  string
	operator string
}

func NewHederaMinter(network Network, b *breaker.Breaker, tokenID, operator string) *HederaMinter {
	return &HederaMinter{network: network, breaker: b, tokenID: tokenID, operator: operator}
}

func (m *HederaMinter) Chain() models.Chain { return models.ChainHedera }

type minted struct {
	serial int64
	txID   string
}

// Mint submits the mint then the transfer. The on-chain metadata is the metadata URI.
// When the transfer fails the returned TokenRef still names the minted serial and the
// error is *models.OrphanedMintError.
func (m *HederaMinter) Mint(ctx context.Context, in MintInput) (models.TokenRef, error) {
	if m.tokenID == "" || m.operator == "" {
		return models.TokenRef{}, &models.ValidationError{Field: "hedera_token", Reason: "token or operator account is not configured"}
	}
	if in.MetadataURI == "" {
		return models.TokenRef{}, &models.ValidationError{Field: "metadata_uri", Reason: "required"}
	}

	res, err := breaker.Call(ctx, m.breaker, func(ctx context.Context) (minted, error) {
		serial, txID, err := m.network.Mint(ctx, m.tokenID, []byte(in.MetadataURI))
		if err != nil {
			return minted{}, err
		}
		if serial < 1 {
			return minted{}, errors.New("mint receipt carried no serial number")
		}
		return minted{serial: serial, txID: txID}, nil
	})
	if err != nil {
		return models.TokenRef{}, err
	}

	ref := models.TokenRef{
		Chain:         models.ChainHedera,
		TokenID:       m.tokenID,
		SerialNumber:  res.serial,
		MetadataURI:   in.MetadataURI,
		TransactionID: res.txID,
	}

	receipt, err := breaker.Call(ctx, m.breaker, func(ctx context.Context) (Receipt, error) {
		return m.network.Transfer(ctx, m.tokenID, res.serial, m.operator, in.Recipient)
	})
	if err != nil {
		return ref, &models.OrphanedMintError{
			TokenID:      m.tokenID,
			SerialNumber: res.serial,
			Recipient:    in.Recipient,
			Err:          err,
		}
	}
	if receipt.TransactionID != "" {
		ref.TransactionID = receipt.TransactionID
	}
	return ref, nil
}
