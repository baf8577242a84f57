package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"

	"mint-pipeline/internal/breaker"
	"mint-pipeline/internal/models"
)

// ChainIDReader is the RPC surface the ethereum minter needs.
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// DialEthereum opens an RPC client. HTTP endpoints connect lazily.
func DialEthereum(ctx context.Context, url string) (*ethclient.Client, error) {
	if url == "" {
		return nil, errors.New("ETH_RPC_URL is not set")
	}
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	return client, nil
}

// EthereumMinter prepares a client-side mint: the wallet signs the contract call itself,
// so the server only checks the RPC is reachable and hands back the token URI.
type EthereumMinter struct {
	rpc     ChainIDReader
	breaker *breaker.Breaker
}

func NewEthereumMinter(rpc ChainIDReader, b *breaker.Breaker) *EthereumMinter {
	return &EthereumMinter{rpc: rpc, breaker: b}
}

func (m *EthereumMinter) Chain() models.Chain { return models.ChainEthereum }

func (m *EthereumMinter) Mint(ctx context.Context, in MintInput) (models.TokenRef, error) {
	if in.MetadataURI == "" {
		return models.TokenRef{}, &models.ValidationError{Field: "metadata_uri", Reason: "required"}
	}
	id, err := breaker.Call(ctx, m.breaker, func(ctx context.Context) (*big.Int, error) {
		id, err := m.rpc.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("eth_chainId: %w", err)
		}
		return id, nil
	})
	if err != nil {
		return models.TokenRef{}, err
	}
	ref := models.TokenRef{
		Chain:       models.ChainEthereum,
		MetadataURI: in.MetadataURI,
	}
	if id != nil {
		ref.ChainID = id.String()
	}
	return ref, nil
}
