package replay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	bin "github.com/gagliardetto/binary"
	sgo "github.com/gagliardetto/solana-go"
)

// NONCE_ACCOUNT_SIZE is the size of a system program nonce account.
const NONCE_ACCOUNT_SIZE = 80

const nonceStateInitialized = 1

// NonceAccount is the decoded state of a durable nonce account.
type NonceAccount struct {
	Version              uint32
	State                uint32
	Authority            sgo.PublicKey
	Nonce                sgo.Hash
	LamportsPerSignature uint64
}

func DecodeNonceAccount(data []byte) (*NonceAccount, error) {
	if len(data) < NONCE_ACCOUNT_SIZE {
		return nil, fmt.Errorf("nonce account too short: %d bytes", len(data))
	}
	dec := bin.NewBinDecoder(data)
	na := new(NonceAccount)
	var err error
	if na.Version, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, err
	}
	if na.State, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, err
	}
	authority, err := dec.ReadNBytes(sgo.PublicKeyLength)
	if err != nil {
		return nil, err
	}
	na.Authority = sgo.PublicKeyFromBytes(authority)
	nonce, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, err
	}
	na.Nonce = sgo.HashFromBytes(nonce)
	if na.LamportsPerSignature, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, err
	}
	if na.State != nonceStateInitialized {
		return nil, errors.New("nonce account is not initialized")
	}
	return na, nil
}

// EncodeNonceAccount is the inverse of DecodeNonceAccount.
func EncodeNonceAccount(na NonceAccount) []byte {
	data := make([]byte, 0, NONCE_ACCOUNT_SIZE)
	data = binary.LittleEndian.AppendUint32(data, na.Version)
	data = binary.LittleEndian.AppendUint32(data, na.State)
	data = append(data, na.Authority[:]...)
	data = append(data, na.Nonce[:]...)
	data = binary.LittleEndian.AppendUint64(data, na.LamportsPerSignature)
	return data
}

var ErrNoNonce = errors.New("no durable nonce account available")

// NonceProvider hands out one nonce account per job until it is released.
type NonceProvider interface {
	Acquire(job sgo.PublicKey) (sgo.PublicKey, error)
	Release(job sgo.PublicKey)
}

// NoncePool is a fixed set of pre-allocated nonce accounts.
type NoncePool struct {
	mu    sync.Mutex
	free  []sgo.PublicKey
	byJob map[sgo.PublicKey]sgo.PublicKey
}

func CreateNoncePool(accounts []sgo.PublicKey) *NoncePool {
	free := make([]sgo.PublicKey, len(accounts))
	copy(free, accounts)
	return &NoncePool{free: free, byJob: make(map[sgo.PublicKey]sgo.PublicKey)}
}

func (np *NoncePool) Acquire(job sgo.PublicKey) (sgo.PublicKey, error) {
	np.mu.Lock()
	defer np.mu.Unlock()
	if a, present := np.byJob[job]; present {
		return a, nil
	}
	if len(np.free) == 0 {
		return sgo.PublicKey{}, ErrNoNonce
	}
	a := np.free[0]
	np.free = np.free[1:]
	np.byJob[job] = a
	return a, nil
}

func (np *NoncePool) Release(job sgo.PublicKey) {
	np.mu.Lock()
	defer np.mu.Unlock()
	a, present := np.byJob[job]
	if !present {
		return
	}
	delete(np.byJob, job)
	np.free = append(np.free, a)
}

func (np *NoncePool) Available() int {
	np.mu.Lock()
	defer np.mu.Unlock()
	return len(np.free)
}
