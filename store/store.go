// Package store persists learned peer NodeID-to-address bindings across
// restarts using GORM/sqlite, following the teacher's database package
// convention: a UUID primary key and an explicit TableName method.
package store

import (
	"context"
	"encoding/hex"
	"net"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/overlaynet/overlaynode/addr"
	"github.com/overlaynet/overlaynode/errs"
	"github.com/overlaynet/overlaynode/id"
)

const peerBindingTable = "peer_bindings"

// PeerBinding is the gorm data model for one learned NodeID-to-address
// binding. Unlike configured bootstrap peers (held in Config directly),
// these rows are written by the running node as it discovers peers via
// heartbeat and id-query traffic.
type PeerBinding struct {
	ID        *uuid.UUID `gorm:"primary_key;not null;unique;type:uuid"`
	CreatedAt *time.Time `gorm:"not null;index"`
	UpdatedAt *time.Time `gorm:"not null;index"`

	NodeID string `gorm:"not null;uniqueIndex"`
	Proto  string `gorm:"not null"`
	Addr   string `gorm:"not null"`
}

// TableName implements gorm's Tabler interface.
func (PeerBinding) TableName() string {
	return peerBindingTable
}

// Store wraps the gorm.DB handle backing peer persistence.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) a sqlite database at path and migrates
// the peer_bindings table.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errs.Wrap(err)
	}
	if err := db.AutoMigrate(&PeerBinding{}); err != nil {
		return nil, errs.Wrap(err)
	}
	return &Store{db: db}, nil
}

// Upsert records or refreshes the address a NodeID was last seen at.
func (s *Store) Upsert(ctx context.Context, nid id.NodeID, proto addr.Proto, remote string) error {
	now := time.Now()
	var existing PeerBinding
	err := s.db.WithContext(ctx).Where("node_id = ?", nid.String()).First(&existing).Error
	if err == nil {
		existing.Proto = proto.String()
		existing.Addr = remote
		existing.UpdatedAt = &now
		return errs.Wrap(s.db.WithContext(ctx).Save(&existing).Error)
	}
	newID := uuid.New()
	row := PeerBinding{
		ID:        &newID,
		CreatedAt: &now,
		UpdatedAt: &now,
		NodeID:    nid.String(),
		Proto:     proto.String(),
		Addr:      remote,
	}
	return errs.Wrap(s.db.WithContext(ctx).Create(&row).Error)
}

// KnownPeer is one persisted binding, resolved back into a typed NodeID.
type KnownPeer struct {
	NodeID id.NodeID
	Proto  addr.Proto
	Addr   string
}

// LoadAll returns every persisted peer binding, used to seed the route
// table with candidate addresses on startup before any traffic arrives.
func (s *Store) LoadAll(ctx context.Context) ([]KnownPeer, error) {
	var rows []PeerBinding
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err)
	}
	out := make([]KnownPeer, 0, len(rows))
	for _, r := range rows {
		nid, err := parseNodeIDString(r.NodeID)
		if err != nil {
			continue
		}
		proto := addr.UDP
		if r.Proto == addr.TCP.String() {
			proto = addr.TCP
		}
		out = append(out, KnownPeer{NodeID: nid, Proto: proto, Addr: r.Addr})
	}
	return out, nil
}

// parseNodeIDString inverts id.NodeID.String(): a dotted-quad for Short ids,
// hex for Extended ids.
func parseNodeIDString(s string) (id.NodeID, error) {
	if ip := net.ParseIP(s); ip != nil {
		return id.FromIP(ip)
	}
	if b, err := hex.DecodeString(s); err == nil {
		return id.FromBytes(b)
	}
	return id.NodeID{}, errs.Wrap(errs.ErrInvalidNodeID)
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errs.Wrap(err)
	}
	return sqlDB.Close()
}
