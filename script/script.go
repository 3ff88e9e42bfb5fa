// Package script turns a job's message into a signed transaction.
package script

import (
	"encoding/base64"
	"errors"
	"sync"

	bin "github.com/gagliardetto/binary"
	sgo "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	sgosys "github.com/gagliardetto/solana-go/programs/system"
	"github.com/solpipe/delivery/tx"
)

// Builder assembles and signs the transaction for msg under anchor.
type Builder interface {
	Build(msg tx.Message, anchor tx.Anchor) (*sgo.Transaction, error)
}

// KeyBuilder signs with keys held in memory.
type KeyBuilder struct {
	mu     sync.RWMutex
	keyMap map[string]sgo.PrivateKey
}

func CreateKeyBuilder(keys ...sgo.PrivateKey) *KeyBuilder {
	e1 := &KeyBuilder{keyMap: make(map[string]sgo.PrivateKey)}
	for _, k := range keys {
		e1.AppendKey(k)
	}
	return e1
}

func (e1 *KeyBuilder) AppendKey(key sgo.PrivateKey) {
	e1.mu.Lock()
	e1.keyMap[key.PublicKey().String()] = key
	e1.mu.Unlock()
}

func (e1 *KeyBuilder) lookup(p sgo.PublicKey) *sgo.PrivateKey {
	e1.mu.RLock()
	defer e1.mu.RUnlock()
	x, present := e1.keyMap[p.String()]
	if present {
		return &x
	}
	return nil
}

// Build prepends the nonce advance (durable anchors) and compute budget instructions.
func (e1 *KeyBuilder) Build(msg tx.Message, anchor tx.Anchor) (*sgo.Transaction, error) {
	err := msg.Validate()
	if err != nil {
		return nil, err
	}
	list := make([]sgo.Instruction, 0, len(msg.Instructions)+3)
	if anchor.Kind == tx.AnchorNonce {
		if anchor.NonceAccount.IsZero() {
			return nil, errors.New("durable anchor without nonce account")
		}
		list = append(list, sgosys.NewAdvanceNonceAccountInstruction(
			anchor.NonceAccount,
			sgo.SysVarRecentBlockHashesPubkey,
			msg.Signer,
		).Build())
	}
	if msg.ComputeUnits != nil {
		list = append(list, computebudget.NewSetComputeUnitLimitInstruction(*msg.ComputeUnits).Build())
	}
	if msg.PriorityFee != nil {
		list = append(list, computebudget.NewSetComputeUnitPriceInstruction(*msg.PriorityFee).Build())
	}
	list = append(list, msg.SgoInstructions()...)

	recent := anchor.RecentBlockhash()
	if recent.IsZero() {
		return nil, errors.New("no recent blockhash")
	}
	b := sgo.NewTransactionBuilder()
	b.SetFeePayer(msg.Signer)
	b.SetRecentBlockHash(recent)
	for _, ins := range list {
		b.AddInstruction(ins)
	}
	t, err := b.Build()
	if err != nil {
		return nil, err
	}
	_, err = t.Sign(e1.lookup)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func ParseTransaction(data []byte) (t *sgo.Transaction, err error) {
	t = new(sgo.Transaction)
	err = bin.NewBinDecoder(data).Decode(t)
	return
}

// Encode renders the wire transaction as base64.
func Encode(t *sgo.Transaction) (string, error) {
	data, err := t.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func Decode(encoded string) (*sgo.Transaction, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return ParseTransaction(data)
}
