// Package store persists node-local system state across restarts.
//
// The system store holds the small amount of durable state a node needs
// to rejoin the ring after a crash: the tokens it owns, its bootstrap
// progress, its host id, and the last known state of its peers. It is a
// single bolt database under the configured data directory.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/model"
)

const dbFileName = "system.db"

var (
	bucketLocal = []byte("local")
	bucketPeers = []byte("peers")

	keyTokens         = []byte("tokens")
	keyBootstrapState = []byte("bootstrap_state")
	keyHostID         = []byte("host_id")
)

// PeerInfo is the persisted view of a remote node.
type PeerInfo struct {
	HostID model.HostID  `json:"host_id"`
	Tokens []model.Token `json:"tokens"`
	DC     string        `json:"dc"`
	Rack   string        `json:"rack"`
}

// SystemStore is the durable node-local state. All methods are safe for
// concurrent use; bolt serializes writers internally.
type SystemStore struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens (or creates) the system store under dataDir.
func Open(dataDir string, logger *zap.Logger) (*SystemStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, dbFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening system store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLocal); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketPeers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing system store: %w", err)
	}
	logger.Info("opened system store", zap.String("path", path))
	return &SystemStore{db: db, logger: logger}, nil
}

func (s *SystemStore) Close() error {
	return s.db.Close()
}

// SavedTokens returns the tokens this node owned before restart. An
// empty slice means this node has never completed a bootstrap.
func (s *SystemStore) SavedTokens() ([]model.Token, error) {
	var tokens []model.Token
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLocal).Get(keyTokens)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &tokens)
	})
	if err != nil {
		return nil, fmt.Errorf("reading saved tokens: %w", err)
	}
	return tokens, nil
}

// UpdateTokens replaces the persisted local token set.
func (s *SystemStore) UpdateTokens(tokens []model.Token) error {
	raw, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("encoding tokens: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocal).Put(keyTokens, raw)
	})
	if err != nil {
		return fmt.Errorf("persisting tokens: %w", err)
	}
	return nil
}

// BootstrapState returns the persisted bootstrap progress, defaulting
// to NEEDS_BOOTSTRAP when nothing has been recorded yet.
func (s *SystemStore) BootstrapState() (model.BootstrapState, error) {
	state := model.BootstrapStateNeedsBootstrap
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLocal).Get(keyBootstrapState)
		if raw != nil {
			state = model.BootstrapState(raw)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reading bootstrap state: %w", err)
	}
	return state, nil
}

func (s *SystemStore) SetBootstrapState(state model.BootstrapState) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocal).Put(keyBootstrapState, []byte(state))
	})
	if err != nil {
		return fmt.Errorf("persisting bootstrap state: %w", err)
	}
	s.logger.Info("bootstrap state updated", zap.String("state", string(state)))
	return nil
}

// HostID returns the persisted local host id, or empty when the node
// has not yet been assigned one.
func (s *SystemStore) HostID() (model.HostID, error) {
	var id model.HostID
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLocal).Get(keyHostID)
		if raw != nil {
			id = model.HostID(raw)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reading host id: %w", err)
	}
	return id, nil
}

func (s *SystemStore) SetHostID(id model.HostID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocal).Put(keyHostID, []byte(id))
	})
	if err != nil {
		return fmt.Errorf("persisting host id: %w", err)
	}
	return nil
}

// UpdatePeerInfo records the last known state of a remote node.
func (s *SystemStore) UpdatePeerInfo(endpoint model.NodeID, info PeerInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encoding peer info: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Put([]byte(endpoint), raw)
	})
	if err != nil {
		return fmt.Errorf("persisting peer %s: %w", endpoint, err)
	}
	return nil
}

// RemoveEndpoint drops a peer that has left the ring.
func (s *SystemStore) RemoveEndpoint(endpoint model.NodeID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete([]byte(endpoint))
	})
	if err != nil {
		return fmt.Errorf("removing peer %s: %w", endpoint, err)
	}
	return nil
}

// Peers returns all persisted remote node records.
func (s *SystemStore) Peers() (map[model.NodeID]PeerInfo, error) {
	peers := make(map[model.NodeID]PeerInfo)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var info PeerInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return fmt.Errorf("decoding peer %s: %w", k, err)
			}
			peers[model.NodeID(k)] = info
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading peers: %w", err)
	}
	return peers, nil
}
