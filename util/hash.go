package util

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	sgo "github.com/gagliardetto/solana-go"
)

// HashInstructions digests program ids, account metas and data in order.
func HashInstructions(list []sgo.Instruction) (hash sgo.Hash, err error) {
	if len(list) == 0 {
		err = errors.New("no instructions")
		return
	}
	kh := sha256.New()
	var n [4]byte
	for _, ins := range list {
		program := ins.ProgramID()
		kh.Write(program[:])
		accounts := ins.Accounts()
		binary.LittleEndian.PutUint32(n[:], uint32(len(accounts)))
		kh.Write(n[:])
		for _, a := range accounts {
			kh.Write(a.PublicKey[:])
			flags := byte(0)
			if a.IsSigner {
				flags |= 1
			}
			if a.IsWritable {
				flags |= 2
			}
			kh.Write([]byte{flags})
		}
		var data []byte
		data, err = ins.Data()
		if err != nil {
			return
		}
		binary.LittleEndian.PutUint32(n[:], uint32(len(data)))
		kh.Write(n[:])
		kh.Write(data)
	}
	hash = sgo.HashFromBytes(kh.Sum(nil))
	return
}
