// Package chain adapts the target networks behind a single Minter interface.
package chain

import (
	"context"
	"fmt"

	"mint-pipeline/internal/models"
)

// MintInput is what a minter needs to settle one request.
type MintInput struct {
	RequestID   string
	MetadataURI string
	Recipient   string
}

// Minter settles a mint on one chain.
type Minter interface {
	Chain() models.Chain
	Mint(ctx context.Context, in MintInput) (models.TokenRef, error)
}

// Registry maps each chain to its minter.
type Registry map[models.Chain]Minter

// NewRegistry indexes minters by the chain they serve.
func NewRegistry(minters ...Minter) Registry {
	r := make(Registry, len(minters))
	for _, m := range minters {
		r[m.Chain()] = m
	}
	return r
}

// For returns the minter of c.
func (r Registry) For(c models.Chain) (Minter, error) {
	m, ok := r[c]
	if !ok {
		return nil, &models.ValidationError{Field: "chain", Reason: fmt.Sprintf("no minter configured for %q", c)}
	}
	return m, nil
}
