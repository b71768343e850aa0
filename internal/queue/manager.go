package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// envelope is the internal structure stored in Badger
type envelope struct {
	ID           string    `json:"id"`
	Body         Message   `json:"body"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	VisibleAt    time.Time `json:"visible_at"`
	ReceiveCount int       `json:"receive_count"`
}

// Delivery is one received message. It stays invisible to other receivers
// until VisibleAt; Extend pushes that out, Delete acknowledges it.
type Delivery struct {
	ID           string
	Message      Message
	ReceiveCount int
}

// Manager implements a persistent visibility-timeout queue on BadgerDB.
// Keys: queue:{name}:msg:{id} holds the envelope, queue:{name}:index:{visibleAt}:{id}
// orders messages by the time they become receivable.
type Manager struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	notify            chan struct{}
}

// NewManager creates a new Badger-backed queue manager
func NewManager(db *badger.DB, queueName string, visibilityTimeout time.Duration, maxReceive int) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if queueName == "" {
		return nil, errors.New("queue name is required")
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 2 * time.Minute
	}
	if maxReceive <= 0 {
		maxReceive = 25
	}

	return &Manager{
		db:                db,
		queueName:         queueName,
		visibilityTimeout: visibilityTimeout,
		maxReceive:        maxReceive,
		notify:            make(chan struct{}, 1),
	}, nil
}

// Enqueue adds a message that is receivable immediately
func (m *Manager) Enqueue(ctx context.Context, msg Message) error {
	return m.EnqueueAt(ctx, msg, time.Now())
}

// EnqueueAt adds a message that becomes receivable at visibleAt
func (m *Manager) EnqueueAt(ctx context.Context, msg Message, visibleAt time.Time) error {
	env := envelope{
		ID:         uuid.New().String(),
		Body:       msg,
		EnqueuedAt: time.Now(),
		VisibleAt:  visibleAt,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(m.msgKey(env.ID), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, env.ID), []byte{})
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Notify fires after every enqueue so pollers can skip their sleep
func (m *Manager) Notify() <-chan struct{} {
	return m.notify
}

// Receive claims the next visible message. It returns ErrNoMessage when none is ready.
// Messages received more than maxReceive times are dropped.
func (m *Manager) Receive(ctx context.Context) (*Delivery, error) {
	var claimed envelope

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", m.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		var indexKey []byte

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(key)
			if err != nil {
				continue
			}
			// Keys are sorted by visibility, nothing later is ready either
			if ts.After(now) {
				break
			}

			item, err := txn.Get(m.msgKey(id))
			if err == badger.ErrKeyNotFound {
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			var env envelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &env)
			}); err != nil {
				return err
			}

			// Poison messages are dropped rather than looping forever
			if env.ReceiveCount >= m.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(m.msgKey(id)); err != nil {
					return err
				}
				continue
			}

			claimed = env
			indexKey = key
			break
		}

		if indexKey == nil {
			return ErrNoMessage
		}

		claimed.ReceiveCount++
		claimed.VisibleAt = now.Add(m.visibilityTimeout)

		data, err := json.Marshal(claimed)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(claimed.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(indexKey); err != nil {
			return err
		}
		return txn.Set(m.indexKey(claimed.VisibleAt, claimed.ID), []byte{})
	})
	if err != nil {
		return nil, err
	}

	return &Delivery{
		ID:           claimed.ID,
		Message:      claimed.Body,
		ReceiveCount: claimed.ReceiveCount,
	}, nil
}

// Delete acknowledges a message. Deleting a missing message is a no-op.
func (m *Manager) Delete(ctx context.Context, messageID string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		env, err := m.load(txn, messageID)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(m.indexKey(env.VisibleAt, messageID)); err != nil {
			return err
		}
		return txn.Delete(m.msgKey(messageID))
	})
}

// Extend keeps a message invisible for duration from now
func (m *Manager) Extend(ctx context.Context, messageID string, duration time.Duration) error {
	return m.db.Update(func(txn *badger.Txn) error {
		env, err := m.load(txn, messageID)
		if err != nil {
			return err
		}

		oldIndexKey := m.indexKey(env.VisibleAt, messageID)
		env.VisibleAt = time.Now().Add(duration)

		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := txn.Set(m.msgKey(messageID), data); err != nil {
			return err
		}
		if err := txn.Delete(oldIndexKey); err != nil {
			return err
		}
		return txn.Set(m.indexKey(env.VisibleAt, messageID), []byte{})
	})
}

// VisibilityTimeout is the redelivery window applied on receive
func (m *Manager) VisibilityTimeout() time.Duration {
	return m.visibilityTimeout
}

// Close closes the queue manager (no-op, the DB is managed externally)
func (m *Manager) Close() error {
	return nil
}

func (m *Manager) load(txn *badger.Txn, messageID string) (*envelope, error) {
	item, err := txn.Get(m.msgKey(messageID))
	if err != nil {
		return nil, err
	}
	var env envelope
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &env)
	}); err != nil {
		return nil, err
	}
	return &env, nil
}

func (m *Manager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.queueName, id))
}

func (m *Manager) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad so lexical order matches numeric order
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.queueName, visibleAt.UnixNano(), id))
}

func (m *Manager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := fmt.Sprintf("queue:%s:index:", m.queueName)
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	suffix := string(key[len(prefix):])
	if len(suffix) < 21 {
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
