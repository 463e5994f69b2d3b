// Package storage keeps message history in a pebble database.
//
// Every message lives under one key:
//
//	'M' | buffer id (4 bytes) | message id (8 bytes)  ->  strictness (1 byte) | Message variant
//
// Ids are stored big endian with the sign bit flipped, so an iterator walks
// one buffer in message id order. The leading byte is the strictness the
// ignore rules assigned when the message was stored; UpdateIgnoreRules
// refreshes it in place.
package storage

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/quasseldroid/libquassel/host"
	"github.com/quasseldroid/libquassel/utils"
	"github.com/quasseldroid/libquassel/variant"
)

const (
	prefixMessage = 'M'
	keySize       = 1 + 4 + 8
)

// Messages are encoded with every feature so nothing a core sends is lost.
var storeFeatures = variant.AllFeatures

var WriteOptions = pebble.WriteOptions{Sync: false}

type Options struct {
	// FS replaces the OS filesystem, vfs.NewMem() in tests.
	FS     vfs.FS
	Logger utils.Logger
}

// Store implements host.BacklogStorage.
type Store struct {
	db  *pebble.DB
	log utils.Logger
}

type StoredMessage struct {
	variant.Message
	Strictness host.Strictness
}

func Open(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = utils.NopLogger{}
	}
	popts := pebble.Options{FS: opts.FS}
	db, err := pebble.Open(path, &popts)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &Store{db: db, log: opts.Logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the database to metric collectors.
func (s *Store) DB() *pebble.DB {
	return s.db
}

func bufferPrefix(buffer variant.BufferID) []byte {
	key := make([]byte, 5, keySize)
	key[0] = prefixMessage
	binary.BigEndian.PutUint32(key[1:], uint32(buffer)^(1<<31))
	return key
}

func messageKey(buffer variant.BufferID, id variant.MsgID) []byte {
	return binary.BigEndian.AppendUint64(bufferPrefix(buffer), uint64(id)^(1<<63))
}

func messageKeyIDs(key []byte) (variant.BufferID, variant.MsgID, bool) {
	if len(key) != keySize || key[0] != prefixMessage {
		return 0, 0, false
	}
	buffer := variant.BufferID(int32(binary.BigEndian.Uint32(key[1:]) ^ (1 << 31)))
	id := variant.MsgID(int64(binary.BigEndian.Uint64(key[5:]) ^ (1 << 63)))
	return buffer, id, true
}

func encodeMessage(msg variant.Message, strictness host.Strictness) ([]byte, error) {
	buf := variant.NewBuffer(variant.DefaultChunkSize)
	buf.PutUint8(uint8(strictness))
	if err := variant.Encode(buf, variant.NewMessage(msg), storeFeatures); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMessage(value []byte) (StoredMessage, error) {
	if len(value) < 1 {
		return StoredMessage{}, fmt.Errorf("storage: empty record")
	}
	v, err := variant.Decode(variant.NewReader(value[1:]), storeFeatures)
	if err != nil {
		return StoredMessage{}, err
	}
	msg, ok := variant.As[variant.Message](v)
	if !ok {
		return StoredMessage{}, fmt.Errorf("storage: record holds %s", v)
	}
	return StoredMessage{Message: msg, Strictness: host.Strictness(value[0])}, nil
}

// classify asks the session's ignore rules about msg. Without a session
// (a reply that arrived after teardown) everything is unmatched.
func classify(s host.Session, msg variant.Message) host.Strictness {
	if s == nil {
		return host.Unmatched
	}
	rules := s.IgnoreRules()
	if rules == nil {
		return host.Unmatched
	}
	return rules.MatchMessage(msg, s.NetworkName(msg.Buffer.Network))
}

func (s *Store) StoreMessages(ctx context.Context, sess host.Session, msgs []variant.Message) error {
	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		value, err := encodeMessage(msg, classify(sess, msg))
		if err != nil {
			return fmt.Errorf("storage: message %d: %w", msg.ID, err)
		}
		if err := batch.Set(messageKey(msg.Buffer.ID, msg.ID), value, nil); err != nil {
			return err
		}
	}
	if err := batch.Commit(&WriteOptions); err != nil {
		return err
	}
	StoredMessages.Add(float64(len(msgs)))
	return nil
}

func (s *Store) ClearMessages(_ context.Context, buffer variant.BufferID) error {
	return s.db.DeleteRange(bufferPrefix(buffer), bufferPrefix(buffer+1), &WriteOptions)
}

// UpdateIgnoreRules re-evaluates every stored message against the current
// rules and rewrites the ones whose strictness changed.
func (s *Store) UpdateIgnoreRules(ctx context.Context, sess host.Session) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefixMessage},
		UpperBound: []byte{prefixMessage + 1},
	})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()

	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	changed := 0
	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		stored, err := decodeMessage(it.Value())
		if err != nil {
			s.log.Warn("storage: skipping unreadable record", "key", fmt.Sprintf("%x", it.Key()), "err", err)
			continue
		}
		strictness := classify(sess, stored.Message)
		if strictness == stored.Strictness {
			continue
		}
		value := append([]byte{byte(strictness)}, it.Value()[1:]...)
		if err := batch.Set(append([]byte(nil), it.Key()...), value, nil); err != nil {
			return err
		}
		changed++
	}
	if err := it.Error(); err != nil {
		return err
	}
	if changed == 0 {
		return nil
	}
	RescoredMessages.Add(float64(changed))
	return batch.Commit(&WriteOptions)
}

// Messages lists up to limit messages of buffer with ids from first on,
// oldest first. limit <= 0 lists all of them.
func (s *Store) Messages(buffer variant.BufferID, first variant.MsgID, limit int) ([]StoredMessage, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: messageKey(buffer, first),
		UpperBound: bufferPrefix(buffer + 1),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var out []StoredMessage
	for it.First(); it.Valid() && (limit <= 0 || len(out) < limit); it.Next() {
		stored, err := decodeMessage(it.Value())
		if err != nil {
			return out, err
		}
		out = append(out, stored)
	}
	return out, it.Error()
}

// LastID is the newest stored message id of buffer.
func (s *Store) LastID(buffer variant.BufferID) (variant.MsgID, bool, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: bufferPrefix(buffer),
		UpperBound: bufferPrefix(buffer + 1),
	})
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = it.Close() }()
	if !it.Last() {
		return 0, false, it.Error()
	}
	_, id, ok := messageKeyIDs(it.Key())
	return id, ok, nil
}
