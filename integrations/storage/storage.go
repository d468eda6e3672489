// Package storage implements the supplemental local rolling capture buffer:
// an optional GORM-backed sink that persists the last N exception captures
// and breakpoint hits for operator inspection during a transport outage.
// Adapted from the teacher SDK's database.go/gorm.go, which wrapped
// database/sql and GORM purely for OpenTelemetry span instrumentation; here
// the same wrapping idiom persists agent captures instead.
package storage

import (
	"encoding/json"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/aivorynet/agent-go/breakpoint"
	"github.com/aivorynet/agent-go/exception"
	"github.com/aivorynet/agent-go/obslog"
)

// CaptureRecord is the row shape for a persisted capture.
type CaptureRecord struct {
	ID         uint `gorm:"primaryKey"`
	Kind       string
	Fingerprint string
	Payload    string
	CreatedAt  time.Time
}

// Buffer is an optional sink that writes captures to a local SQLite table,
// keeping only the most recent Capacity rows.
type Buffer struct {
	db       *gorm.DB
	capacity int
}

// Open opens (creating if necessary) a SQLite-backed rolling buffer at path
// with the given retention capacity.
func Open(path string, capacity int) (*Buffer, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&CaptureRecord{}); err != nil {
		return nil, err
	}
	return &Buffer{db: db, capacity: capacity}, nil
}

// SendException implements exception.Sink, persisting the capture and
// trimming the table back to capacity.
func (b *Buffer) SendException(c exception.ExceptionCapture) {
	payload, err := json.Marshal(c)
	if err != nil {
		obslog.Warn("storage: marshal exception failed", obslog.Err(err))
		return
	}
	b.insert("exception", c.Fingerprint, string(payload))
}

// SendBreakpointHit implements breakpoint.Sink, persisting the hit.
func (b *Buffer) SendBreakpointHit(h breakpoint.Hit) {
	payload, err := json.Marshal(h)
	if err != nil {
		obslog.Warn("storage: marshal breakpoint hit failed", obslog.Err(err))
		return
	}
	b.insert("breakpoint_hit", h.BreakpointID, string(payload))
}

func (b *Buffer) insert(kind, fingerprint, payload string) {
	record := CaptureRecord{Kind: kind, Fingerprint: fingerprint, Payload: payload, CreatedAt: time.Now().UTC()}
	if err := b.db.Create(&record).Error; err != nil {
		obslog.Warn("storage: insert failed", obslog.Err(err))
		return
	}
	b.trim()
}

func (b *Buffer) trim() {
	var count int64
	if err := b.db.Model(&CaptureRecord{}).Count(&count).Error; err != nil {
		return
	}
	if int(count) <= b.capacity {
		return
	}
	overflow := int(count) - b.capacity
	var oldest []CaptureRecord
	if err := b.db.Order("id asc").Limit(overflow).Find(&oldest).Error; err != nil {
		return
	}
	ids := make([]uint, 0, len(oldest))
	for _, r := range oldest {
		ids = append(ids, r.ID)
	}
	b.db.Delete(&CaptureRecord{}, ids)
}

// Recent returns the most recent n capture records, newest first.
func (b *Buffer) Recent(n int) ([]CaptureRecord, error) {
	var records []CaptureRecord
	err := b.db.Order("id desc").Limit(n).Find(&records).Error
	return records, err
}

// Close releases the underlying database connection.
func (b *Buffer) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
