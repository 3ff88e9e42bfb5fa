package tx

import (
	"errors"

	sgo "github.com/gagliardetto/solana-go"
	"github.com/solpipe/delivery/util"
)

// Meta mirrors sgo.AccountMeta with json tags.
type Meta struct {
	Pubkey     sgo.PublicKey `json:"pubkey"`
	IsSigner   bool          `json:"is_signer"`
	IsWritable bool          `json:"is_writable"`
}

// Instruction is a serializable sgo.Instruction.
type Instruction struct {
	Program sgo.PublicKey `json:"program"`
	Keys    []Meta        `json:"keys"`
	Payload []byte        `json:"data"`
}

func (ins Instruction) ProgramID() sgo.PublicKey {
	return ins.Program
}

func (ins Instruction) Accounts() []*sgo.AccountMeta {
	ans := make([]*sgo.AccountMeta, len(ins.Keys))
	for i, k := range ins.Keys {
		ans[i] = &sgo.AccountMeta{PublicKey: k.Pubkey, IsSigner: k.IsSigner, IsWritable: k.IsWritable}
	}
	return ans
}

func (ins Instruction) Data() ([]byte, error) {
	return ins.Payload, nil
}

func FromInstruction(ins sgo.Instruction) (Instruction, error) {
	data, err := ins.Data()
	if err != nil {
		return Instruction{}, err
	}
	accounts := ins.Accounts()
	keys := make([]Meta, len(accounts))
	for i, a := range accounts {
		keys[i] = Meta{Pubkey: a.PublicKey, IsSigner: a.IsSigner, IsWritable: a.IsWritable}
	}
	return Instruction{Program: ins.ProgramID(), Keys: keys, Payload: data}, nil
}

// Message is a built, not yet anchored, transaction for one job.
type Message struct {
	JobId        sgo.PublicKey `json:"job"`
	Signer       sgo.PublicKey `json:"signer"`
	Instructions []Instruction `json:"instructions"`
	// micro-lamports per compute unit
	PriorityFee  *uint64 `json:"priority_fee,omitempty"`
	ComputeUnits *uint32 `json:"compute_units,omitempty"`
}

func (m Message) Validate() error {
	if m.JobId.IsZero() {
		return errors.New("no job id")
	}
	if m.Signer.IsZero() {
		return errors.New("no signer")
	}
	if len(m.Instructions) == 0 {
		return errors.New("no instructions")
	}
	return nil
}

func (m Message) SgoInstructions() []sgo.Instruction {
	ans := make([]sgo.Instruction, len(m.Instructions))
	for i := range m.Instructions {
		ans[i] = m.Instructions[i]
	}
	return ans
}

// Hash identifies the instruction content, independent of anchor and signatures.
func (m Message) Hash() (sgo.Hash, error) {
	return util.HashInstructions(m.SgoInstructions())
}
