// Package txbuilder assembles and signs probe transactions.
package txbuilder

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
)

// MemoProgramID is the SPL Memo v2 program.
var MemoProgramID = solana.MustPublicKeyFromBase58("MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")

const (
	DefaultComputeUnitLimit = 25_000
	DefaultMemoPrefix       = "TESTING"
	DefaultMemoRandomLen    = 8
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Config holds the fixed parameters shared by every probe.
type Config struct {
	Signer solana.PrivateKey
	// ComputeUnitPrice is the priority fee in micro-lamports per CU.
	ComputeUnitPrice uint64
	ComputeUnitLimit uint32
	MemoPrefix       string
	MemoRandomLen    int
}

// Probe is a signed, serialized probe transaction.
type Probe struct {
	Tx        *solana.Transaction
	Raw       []byte
	Signature solana.Signature
	Memo      string
	Blockhash solana.Hash
}

// Builder builds probe transactions: compute-unit price, compute-unit
// limit, then a memo carrying a random tag. It only reads its config
// and is safe for concurrent use.
type Builder struct {
	cfg   Config
	payer solana.PublicKey
}

// NewBuilder validates cfg and fills defaults.
func NewBuilder(cfg Config) (*Builder, error) {
	if len(cfg.Signer) == 0 {
		return nil, errors.New("signer is required")
	}
	if cfg.ComputeUnitLimit == 0 {
		cfg.ComputeUnitLimit = DefaultComputeUnitLimit
	}
	if cfg.MemoRandomLen <= 0 {
		cfg.MemoRandomLen = DefaultMemoRandomLen
	}
	return &Builder{cfg: cfg, payer: cfg.Signer.PublicKey()}, nil
}

// Payer returns the fee payer and sole signer.
func (b *Builder) Payer() solana.PublicKey {
	return b.payer
}

// Build creates and signs a probe against blockhash. Every call draws a
// fresh memo tag.
func (b *Builder) Build(blockhash solana.Hash) (*Probe, error) {
	memo := b.cfg.MemoPrefix + RandomTag(b.cfg.MemoRandomLen)

	instructions := []solana.Instruction{
		computebudget.NewSetComputeUnitPriceInstruction(b.cfg.ComputeUnitPrice).Build(),
		computebudget.NewSetComputeUnitLimitInstruction(b.cfg.ComputeUnitLimit).Build(),
		MemoInstruction(memo, b.payer),
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(b.payer))
	if err != nil {
		return nil, fmt.Errorf("assemble transaction: %w", err)
	}

	signer := b.cfg.Signer
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(b.payer) {
			return &signer
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	return &Probe{
		Tx:        tx,
		Raw:       raw,
		Signature: tx.Signatures[0],
		Memo:      memo,
		Blockhash: blockhash,
	}, nil
}

// MemoInstruction writes memo with signer listed as a writable signer.
func MemoInstruction(memo string, signer solana.PublicKey) solana.Instruction {
	return solana.NewInstruction(
		MemoProgramID,
		solana.AccountMetaSlice{solana.NewAccountMeta(signer, true, true)},
		[]byte(memo),
	)
}

// RandomTag returns n random alphanumeric characters.
func RandomTag(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alphanumeric[rand.IntN(len(alphanumeric))]
	}
	return string(buf)
}
