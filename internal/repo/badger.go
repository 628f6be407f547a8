package repo

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"scorebook/internal/domain"
)

// KV is the Badger operation store. Keys:
//
//	op\x00<match>\x00<seq:020d>  msgpack Operation
//	cid\x00<match>\x00<client id> sequence
//	tip\x00<match>               sequence
type KV struct {
	db *badger.DB
}

var _ Store = (*KV)(nil)

// OpenKV opens a Badger store at dir. An empty dir opens an in-memory store.
func OpenKV(dir string) (*KV, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", dir, err)
	}
	return &KV{db: db}, nil
}

func opPrefix(matchID string) []byte {
	return []byte("op\x00" + matchID + "\x00")
}

func opKey(matchID string, seq int64) []byte {
	return append(opPrefix(matchID), []byte(fmt.Sprintf("%020d", seq))...)
}

func cidKey(matchID, clientOperationID string) []byte {
	return []byte("cid\x00" + matchID + "\x00" + clientOperationID)
}

const tipPrefix = "tip\x00"

func tipKey(matchID string) []byte {
	return []byte(tipPrefix + matchID)
}

func (s *KV) Atomically(ctx context.Context, matchID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return fn(kvTx{txn: txn})
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrDuplicate
	}
	return err
}

func (s *KV) ListSince(ctx context.Context, matchID string, since int64) ([]domain.Operation, error) {
	var res []domain.Operation
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := opPrefix(matchID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(opKey(matchID, since+1)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			op, err := decodeOperation(val)
			if err != nil {
				return err
			}
			res = append(res, op)
		}
		return nil
	})
	return res, err
}

func (s *KV) TipSequence(ctx context.Context, matchID string) (int64, error) {
	var tip int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		tip, err = readTip(txn, matchID)
		return err
	})
	return tip, err
}

func (s *KV) FindByClientOperationID(ctx context.Context, matchID, clientOperationID string) (domain.Operation, error) {
	var op domain.Operation
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		op, err = findByCID(txn, matchID, clientOperationID)
		return err
	})
	return op, err
}

func (s *KV) ListMatches(ctx context.Context) ([]MatchSummary, error) {
	var res []MatchSummary
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(tipPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			matchID := string(it.Item().Key()[len(prefix):])
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			seq, err := parseSeq(val)
			if err != nil {
				return err
			}
			op, err := getOp(txn, matchID, seq)
			if err != nil {
				return err
			}
			res = append(res, MatchSummary{MatchID: matchID, Version: seq, UpdatedAt: op.RecordedAt})
		}
		return nil
	})
	return res, err
}

func (s *KV) Close() error {
	return s.db.Close()
}

type kvTx struct {
	txn *badger.Txn
}

func (t kvTx) TipSequence(ctx context.Context, matchID string) (int64, error) {
	return readTip(t.txn, matchID)
}

func (t kvTx) FindByClientOperationID(ctx context.Context, matchID, clientOperationID string) (domain.Operation, error) {
	return findByCID(t.txn, matchID, clientOperationID)
}

func (t kvTx) Append(ctx context.Context, op domain.Operation) error {
	for _, key := range [][]byte{opKey(op.MatchID, op.Sequence), cidKey(op.MatchID, op.ClientOperationID)} {
		_, err := t.txn.Get(key)
		if err == nil {
			return ErrDuplicate
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
	}
	data, err := msgpack.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode %s/%d: %w", op.MatchID, op.Sequence, err)
	}
	seq := []byte(strconv.FormatInt(op.Sequence, 10))
	if err := t.txn.Set(opKey(op.MatchID, op.Sequence), data); err != nil {
		return err
	}
	if err := t.txn.Set(cidKey(op.MatchID, op.ClientOperationID), seq); err != nil {
		return err
	}
	tip, err := readTip(t.txn, op.MatchID)
	if err != nil {
		return err
	}
	if op.Sequence > tip {
		return t.txn.Set(tipKey(op.MatchID), seq)
	}
	return nil
}

func readTip(txn *badger.Txn, matchID string) (int64, error) {
	item, err := txn.Get(tipKey(matchID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return parseSeq(val)
}

func findByCID(txn *badger.Txn, matchID, clientOperationID string) (domain.Operation, error) {
	item, err := txn.Get(cidKey(matchID, clientOperationID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Operation{}, ErrNotFound
	}
	if err != nil {
		return domain.Operation{}, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return domain.Operation{}, err
	}
	seq, err := parseSeq(val)
	if err != nil {
		return domain.Operation{}, err
	}
	return getOp(txn, matchID, seq)
}

func getOp(txn *badger.Txn, matchID string, seq int64) (domain.Operation, error) {
	item, err := txn.Get(opKey(matchID, seq))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Operation{}, ErrNotFound
	}
	if err != nil {
		return domain.Operation{}, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return domain.Operation{}, err
	}
	return decodeOperation(val)
}

func decodeOperation(data []byte) (domain.Operation, error) {
	var op domain.Operation
	if err := msgpack.Unmarshal(data, &op); err != nil {
		return op, fmt.Errorf("decode operation: %w", err)
	}
	op.RecordedAt = op.RecordedAt.UTC()
	return op, nil
}

func parseSeq(v []byte) (int64, error) {
	seq, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt sequence %q: %w", v, err)
	}
	return seq, nil
}
