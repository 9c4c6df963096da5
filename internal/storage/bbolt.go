package storage

import (
	"fmt"
	"time"

	"palaver/internal/auth"
	"palaver/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers         = []byte("users")
	bucketMessages      = []byte("messages")
	bucketSubscriptions = []byte("push_subscriptions")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSubscriptions); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// CreateMessage persists a new chat message. The bucket sequence assigns the
// id, and the sender is the first (implicit) reader of their own message.
func (s *BboltStorage) CreateMessage(sender models.Identity, body string, now time.Time) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to assign message id: %w", err)
		}

		dbMsg := DBMessage{
			Seq:       int64(seq),
			SenderID:  sender.UserID,
			Sender:    sender.Username,
			Body:      body,
			CreatedAt: now.UnixMilli(),
			ReadBy:    []string{sender.Username},
		}

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := b.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		msg = dbMsg.toModel()
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// MarkMessagesRead adds the reader to readBy on every message they did not
// send and have not read yet, and returns exactly the records it updated.
// Mark and read-back happen in one transaction, so a message persisted
// concurrently is either fully included or left for the next call.
func (s *BboltStorage) MarkMessagesRead(reader models.Identity) ([]models.Message, error) {
	var updated []models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)

		// Collect first: a cursor must not observe its own writes.
		type pending struct {
			key  []byte
			data []byte
		}
		var writes []pending

		err := b.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("corrupt message record: %w", err)
			}
			if dbMsg.SenderID == reader.UserID {
				return nil
			}
			for _, name := range dbMsg.ReadBy {
				if name == reader.Username {
					return nil
				}
			}

			dbMsg.ReadBy = append(dbMsg.ReadBy, reader.Username)
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}

			key := make([]byte, len(k))
			copy(key, k)
			writes = append(writes, pending{key: key, data: data})
			updated = append(updated, dbMsg.toModel())
			return nil
		})
		if err != nil {
			return err
		}

		for _, w := range writes {
			if err := b.Put(w.key, w.data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListMessages returns every stored message in creation order.
func (s *BboltStorage) ListMessages() ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		return b.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("corrupt message record: %w", err)
			}
			messages = append(messages, dbMsg.toModel())
			return nil
		})
	})
	return messages, err
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:        m.Seq,
		SenderID:  m.SenderID,
		Sender:    m.Sender,
		Body:      m.Body,
		CreatedAt: time.UnixMilli(m.CreatedAt),
		ReadBy:    append([]string(nil), m.ReadBy...),
	}
}

// UpsertCredentials stores new or updated user credentials.
func (s *BboltStorage) UpsertCredentials(credentials auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := &DBUser{
			ID:           credentials.UserID,
			Username:     credentials.Username,
			PasswordHash: credentials.PasswordHash,
			CreatedAt:    time.Now().Unix(),
		}

		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

// ListCredentials returns all user credentials stored in the database.
func (s *BboltStorage) ListCredentials() ([]auth.UserCredentials, error) {
	var credentials []auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		return b.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, auth.UserCredentials{
				Identity: models.Identity{
					UserID:   dbUser.ID,
					Username: dbUser.Username,
				},
				PasswordHash: dbUser.PasswordHash,
			})
			return nil
		})
	})
	return credentials, err
}

// UpsertPushSubscription stores the raw Web Push subscription for a user.
// One subscription per user; a new browser registration replaces the old one.
func (s *BboltStorage) UpsertPushSubscription(userID string, subscription []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		dbSub := &DBSubscription{
			UserID:       userID,
			Subscription: subscription,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbSub.Key(), data)
	})
}

// ListPushSubscriptions returns all stored subscriptions keyed by user id.
func (s *BboltStorage) ListPushSubscriptions() (map[string][]byte, error) {
	subs := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)
		return b.ForEach(func(k, v []byte) error {
			var dbSub DBSubscription
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs[dbSub.UserID] = dbSub.Subscription
			return nil
		})
	})
	return subs, err
}
