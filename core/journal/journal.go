// Package journal persists every user operation this wallet signed, so an
// operation can be inspected or re-polled after the process exits and the
// same hash is never handed to a bundler twice.
package journal

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/smartwallet/storage"
	"github.com/AvaProtocol/smartwallet/storage/schema"
)

var ErrNotFound = errors.New("operation not found in journal")

type Record struct {
	ID        string   `json:"id"`
	Hash      string   `json:"hash"`
	Sender    string   `json:"sender"`
	Nonce     string   `json:"nonce"`
	Targets   []string `json:"targets"`
	State     string   `json:"state"`
	Sponsored bool     `json:"sponsored"`
	// Submitted stays true once a bundler accepted the hash.
	Submitted bool   `json:"submitted"`
	TxHash    string `json:"txHash,omitempty"`
	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type Journal struct {
	db storage.Storage
	mu sync.Mutex

	now func() time.Time
}

func New(db storage.Storage) *Journal {
	return &Journal{db: db, now: time.Now}
}

// Put inserts or updates rec, keyed by its hash, and maintains the sender and
// state indexes.
func (j *Journal) Put(rec *Record) error {
	if rec.Hash == "" {
		return errors.New("journal record needs an operation hash")
	}
	hash := common.HexToHash(rec.Hash)

	j.mu.Lock()
	defer j.mu.Unlock()

	prev, err := j.get(hash)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	now := j.now().UnixMilli()
	if prev != nil {
		rec.ID = prev.ID
		rec.CreatedAt = prev.CreatedAt
		rec.Submitted = rec.Submitted || prev.Submitted
	} else {
		if rec.ID == "" {
			rec.ID = ulid.Make().String()
		}
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	nonce, _ := new(big.Int).SetString(rec.Nonce, 10)
	var stale [][]byte
	if prev != nil && prev.State != rec.State {
		stale = append(stale, schema.StateKey(prev.State, hash))
	}
	if err := j.db.BatchWrite(map[string][]byte{
		string(schema.OperationKey(hash)):                                           raw,
		string(schema.SenderNonceKey(common.HexToAddress(rec.Sender), nonce, hash)): hash.Bytes(),
		string(schema.StateKey(rec.State, hash)):                                    hash.Bytes(),
	}, stale...); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	return nil
}

func (j *Journal) Get(hash common.Hash) (*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.get(hash)
}

func (j *Journal) get(hash common.Hash) (*Record, error) {
	raw, err := j.db.GetKey(schema.OperationKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode journal record %s: %w", hash.Hex(), err)
	}
	return &rec, nil
}

// ListBySender returns the sender's operations ordered by nonce.
func (j *Journal) ListBySender(sender common.Address) ([]*Record, error) {
	return j.list(schema.SenderPrefix(sender))
}

func (j *Journal) ListByState(state string) ([]*Record, error) {
	return j.list(schema.StatePrefix(state))
}

func (j *Journal) list(prefix []byte) ([]*Record, error) {
	items, err := j.db.GetByPrefix(prefix)
	if err != nil {
		return nil, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	records := make([]*Record, 0, len(items))
	for _, item := range items {
		rec, err := j.get(common.BytesToHash(item.Value))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// HasSubmitted reports whether a bundler already accepted hash.
func (j *Journal) HasSubmitted(hash common.Hash) (bool, error) {
	rec, err := j.Get(hash)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Submitted, nil
}
