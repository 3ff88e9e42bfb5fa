package script

import (
	"errors"

	sgo "github.com/gagliardetto/solana-go"
	sgosys "github.com/gagliardetto/solana-go/programs/system"
	"github.com/solpipe/delivery/tx"
)

// TransferMessage moves lamports from source, which also pays the fee.
func TransferMessage(job sgo.PublicKey, source sgo.PublicKey, destination sgo.PublicKey, amount uint64) (tx.Message, error) {
	if amount == 0 {
		return tx.Message{}, errors.New("zero transfer")
	}
	b := sgosys.NewTransferInstructionBuilder()
	b.SetFundingAccount(source)
	b.SetRecipientAccount(destination)
	b.SetLamports(amount)
	ins, err := tx.FromInstruction(b.Build())
	if err != nil {
		return tx.Message{}, err
	}
	return tx.Message{
		JobId:        job,
		Signer:       source,
		Instructions: []tx.Instruction{ins},
	}, nil
}
