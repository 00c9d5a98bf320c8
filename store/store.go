// Package store owns the on-disk partition layout: one parquet file per
// (exchange, data type, sub-type, symbol, partition key). Incomplete
// partitions carry an _incomplete suffix so completeness is visible without
// opening the file, and writes are atomic replaces.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"histflow/config"
	"histflow/logger"
	"histflow/models"
)

// ErrNotFound is returned by Read when no partition exists for the key.
var ErrNotFound = errors.New("partition not found")

// Partition identifies one persisted partition.
type Partition struct {
	Exchange  string
	DataType  models.DataType
	SubTypeID string
	Symbol    string
	Key       string
}

// Store reads and writes partition files under a single download directory.
// Concurrent writers to different partitions are safe; the caller serializes
// writes to the same partition.
type Store struct {
	dir         string
	compression string
	mirror      *Mirror
	log         *logger.Log
}

// New creates the download directory if needed and returns a Store. The S3
// mirror is attached when enabled in the configuration.
func New(cfg config.StorageConfig) (*Store, error) {
	log := logger.GetLogger()

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	s := &Store{
		dir:         cfg.Dir,
		compression: cfg.Parquet.Compression,
		log:         log,
	}

	if cfg.S3.Enabled {
		mirror, err := NewMirror(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("init s3 mirror: %w", err)
		}
		s.mirror = mirror
	}

	log.WithComponent("store").WithFields(logger.Fields{
		"dir":         cfg.Dir,
		"compression": cfg.Parquet.Compression,
		"s3_mirror":   cfg.S3.Enabled,
	}).Debug("store initialized")

	return s, nil
}

// Dir returns the root download directory.
func (s *Store) Dir() string { return s.dir }

// strConversions make symbols filename-safe; applied in order.
var strConversions = [][2]string{
	{"/", "%2F"},
	{":", "%3A"},
}

// FormatSymbol substitutes characters that cannot appear in a filename.
func FormatSymbol(sym string) string {
	for _, c := range strConversions {
		sym = strings.ReplaceAll(sym, c[0], c[1])
	}
	return sym
}

// UnformatSymbol is the inverse of FormatSymbol.
func UnformatSymbol(s string) string {
	for _, c := range strConversions {
		s = strings.ReplaceAll(s, c[1], c[0])
	}
	return s
}

// filename builds the partition file name:
// {exchange}_{subTypeID_}{dataType}_{key}_{symbol}[_incomplete].parquet
func (s *Store) filename(p Partition, complete bool) string {
	dtid := ""
	if p.SubTypeID != "" {
		dtid = p.SubTypeID + "_"
	}
	suffix := ""
	if !complete {
		suffix = "_incomplete"
	}
	name := fmt.Sprintf("%s_%s%s_%s_%s%s.parquet",
		strings.ToLower(p.Exchange), dtid, p.DataType, p.Key, FormatSymbol(p.Symbol), suffix)
	return filepath.Join(s.dir, name)
}

// Status reports whether a partition exists on disk and whether it was
// complete as of its last write. A complete file shadows a leftover
// incomplete one.
func (s *Store) Status(p Partition) models.PartitionStatus {
	if fileExists(s.filename(p, true)) {
		return models.PartitionComplete
	}
	if fileExists(s.filename(p, false)) {
		return models.PartitionIncomplete
	}
	return models.PartitionAbsent
}

// Read loads the records of a partition, preferring the complete variant.
func (s *Store) Read(p Partition) ([]models.Record, error) {
	path := s.filename(p, true)
	if !fileExists(path) {
		path = s.filename(p, false)
		if !fileExists(path) {
			return nil, fmt.Errorf("%s %s %s %s: %w", p.Exchange, p.DataType, p.Symbol, p.Key, ErrNotFound)
		}
	}

	records, err := readParquet(path, p.DataType)
	if err != nil {
		return nil, fmt.Errorf("read partition %s: %w", filepath.Base(path), err)
	}
	logger.IncrementRecordsRead(len(records))
	return records, nil
}

// Write atomically replaces the partition with the given records and
// completeness flag. The file is produced at a temporary path and renamed
// into place, and the other completeness variant is removed in the same
// commit, so a crash never leaves a half-written partition observable.
func (s *Store) Write(ctx context.Context, p Partition, records []models.Record, complete bool) error {
	final := s.filename(p, complete)
	other := s.filename(p, !complete)
	tmp := final + ".tmp"

	if err := writeParquet(tmp, p.DataType, records, s.compression); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write partition %s: %w", filepath.Base(final), err)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit partition %s: %w", filepath.Base(final), err)
	}

	if err := os.Remove(other); err != nil && !os.IsNotExist(err) {
		s.log.WithComponent("store").WithError(err).WithFields(logger.Fields{
			"file": filepath.Base(other),
		}).Warn("failed to remove stale partition variant")
	}

	logger.IncrementRecordsWritten(len(records))
	s.log.WithComponent("store").WithFields(logger.Fields{
		"exchange":     p.Exchange,
		"data_type":    p.DataType,
		"symbol":       p.Symbol,
		"key":          p.Key,
		"record_count": len(records),
		"complete":     complete,
	}).Debug("partition committed")

	if complete && s.mirror != nil {
		if err := s.mirror.Upload(ctx, p, final); err != nil {
			s.log.WithComponent("s3_mirror").WithError(err).WithFields(logger.Fields{
				"file": filepath.Base(final),
			}).Warn("failed to mirror partition to S3")
		}
	}

	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
