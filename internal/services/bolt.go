package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/MegaGrindStone/chatturn/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the Store interface on top of a BoltDB file. Conversations live in a single
// bucket keyed by their numeric id; the messages of each conversation live in a bucket of their own,
// keyed so that iteration returns them in insertion order.
type BoltDB struct {
	db *bolt.DB
}

var conversationsBucket = []byte("conversations")

// NewBoltDB opens (creating with 0600 permissions if needed) the database at path and makes sure
// the conversations bucket exists.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create conversations bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func conversationKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func messageBucketName(conversationID int64) []byte {
	return []byte(fmt.Sprintf("conversation-%d", conversationID))
}

// Conversations returns every conversation, most recent first.
func (b BoltDB) Conversations(context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			convs = append(convs, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(convs)
	return convs, nil
}

// Conversation returns the conversation with the given id, or models.ErrConversationNotFound.
func (b BoltDB) Conversation(_ context.Context, id int64) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get(conversationKey(id))
		if v == nil {
			return fmt.Errorf("%w: %d", models.ErrConversationNotFound, id)
		}
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		return nil
	})
	return conv, err
}

// AddConversation stores conv under the next sequence number of the bucket, creates its message
// bucket and returns the assigned id. Ids start at 1.
func (b BoltDB) AddConversation(_ context.Context, conv models.Conversation) (int64, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		conv.ID = int64(seq)

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(conv.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return bucket.Put(conversationKey(conv.ID), v)
	})
	if err != nil {
		return 0, err
	}
	return conv.ID, nil
}

// UpdateConversation replaces a stored conversation. Unknown ids are ignored.
func (b BoltDB) UpdateConversation(_ context.Context, conv models.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(conversationsBucket)
		if bucket.Get(conversationKey(conv.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return bucket.Put(conversationKey(conv.ID), v)
	})
}

// Messages returns the messages of a conversation in the order they were added.
func (b BoltDB) Messages(_ context.Context, conversationID int64) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(conversationID))
		if bucket == nil {
			return fmt.Errorf("%w: %d", models.ErrConversationNotFound, conversationID)
		}

		return bucket.ForEach(func(_, v []byte) error {
			var message models.ChatMessage
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends message to a conversation. The stored id is the message id prefixed with a
// zero-padded sequence number, and is returned.
func (b BoltDB) AddMessage(_ context.Context, conversationID int64, message models.ChatMessage) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(conversationID))
		if bucket == nil {
			return fmt.Errorf("%w: %d", models.ErrConversationNotFound, conversationID)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%010d-%s", seq, message.ID)
		message.ID = newID

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bucket.Put([]byte(newID), v)
	})

	return newID, err
}

// UpdateMessage replaces a stored message. Unknown ids are ignored.
func (b BoltDB) UpdateMessage(_ context.Context, conversationID int64, message models.ChatMessage) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(conversationID))
		if bucket == nil || bucket.Get([]byte(message.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bucket.Put([]byte(message.ID), v)
	})
}
