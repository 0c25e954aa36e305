package core

// classifier.go decides how a caller should watch a Job.
//
// The decision is advisory. It never changes how a Job runs; it only tells
// the caller whether waiting on the upload request is reasonable or whether
// it should subscribe to push events. When in doubt the answer is Push,
// since an unexpected long wait on a synchronous request is worse than an
// unnecessary subscription.

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Classifier defaults.
const (
	DefaultRowThreshold       = 1000
	DefaultByteThreshold      = 1 << 20 // 1 MiB
	DefaultAvgRowBytes        = 120
	DefaultRowCost            = 2 * time.Millisecond
	DefaultHighLatencyRowCost = 5 * time.Millisecond
)

// ClassifierConfig holds the tunable thresholds of the Classifier.
type ClassifierConfig struct {
	RowThreshold       int
	ByteThreshold      int64
	AvgRowBytes        int64
	HighLatency        []ImportType // Types whose rows trigger secondary work
	RowCost            time.Duration
	HighLatencyRowCost time.Duration
}

// DefaultClassifierConfig returns the thresholds used when none are configured.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		RowThreshold:       DefaultRowThreshold,
		ByteThreshold:      DefaultByteThreshold,
		AvgRowBytes:        DefaultAvgRowBytes,
		HighLatency:        []ImportType{ImportMovements},
		RowCost:            DefaultRowCost,
		HighLatencyRowCost: DefaultHighLatencyRowCost,
	}
}

// FileMeta is what the Classifier knows about an upload before it runs.
// A negative EstimatedRows means unknown; the row count is then estimated
// from the size. RowsUnparseable marks a row count that was supplied but
// could not be read, which is never estimated.
type FileMeta struct {
	SizeBytes       int64
	EstimatedRows   int
	RowsUnparseable bool
	ImportType      ImportType
}

// Classifier is the Channel Classifier. It is pure and safe for
// concurrent use.
type Classifier struct {
	cfg         ClassifierConfig
	highLatency map[ImportType]bool
}

// NewClassifier creates a classifier, filling zero values with defaults.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	def := DefaultClassifierConfig()
	if cfg.RowThreshold <= 0 {
		cfg.RowThreshold = def.RowThreshold
	}
	if cfg.ByteThreshold <= 0 {
		cfg.ByteThreshold = def.ByteThreshold
	}
	if cfg.AvgRowBytes <= 0 {
		cfg.AvgRowBytes = def.AvgRowBytes
	}
	if cfg.RowCost <= 0 {
		cfg.RowCost = def.RowCost
	}
	if cfg.HighLatencyRowCost <= 0 {
		cfg.HighLatencyRowCost = def.HighLatencyRowCost
	}

	hl := make(map[ImportType]bool, len(cfg.HighLatency))
	for _, t := range cfg.HighLatency {
		hl[t] = true
	}
	return &Classifier{cfg: cfg, highLatency: hl}
}

// Classify returns the delivery decision for an upload.
func (c *Classifier) Classify(meta FileMeta) ChannelDecision {
	if meta.SizeBytes < 0 {
		return ChannelDecision{Mode: ModePush, Reason: "file size unknown", EstimatedRows: max(meta.EstimatedRows, 0)}
	}
	if meta.RowsUnparseable {
		return ChannelDecision{Mode: ModePush, Reason: "row count unparseable"}
	}
	if _, ok := Get(meta.ImportType); !ok {
		return ChannelDecision{Mode: ModePush, Reason: fmt.Sprintf("import type %q unknown", meta.ImportType), EstimatedRows: max(meta.EstimatedRows, 0)}
	}

	rows := meta.EstimatedRows
	if rows < 0 {
		rows = int(meta.SizeBytes / c.cfg.AvgRowBytes)
	}

	cost := c.cfg.RowCost
	if c.highLatency[meta.ImportType] {
		cost = c.cfg.HighLatencyRowCost
	}
	d := ChannelDecision{
		EstimatedRows:       rows,
		EstimatedDurationMs: (time.Duration(rows) * cost).Milliseconds(),
	}

	switch {
	case c.highLatency[meta.ImportType]:
		d.Mode = ModePush
		d.Reason = fmt.Sprintf("%s imports recalculate stock and run long", meta.ImportType)
	case rows > c.cfg.RowThreshold:
		d.Mode = ModePush
		d.Reason = fmt.Sprintf("about %d rows exceeds the %d row threshold", rows, c.cfg.RowThreshold)
	case meta.SizeBytes > c.cfg.ByteThreshold:
		d.Mode = ModePush
		d.Reason = fmt.Sprintf("%d bytes exceeds the %d byte threshold", meta.SizeBytes, c.cfg.ByteThreshold)
	default:
		d.Mode = ModeRequestResponse
		d.Reason = "small file, result expected within the request"
	}
	return d
}

// ClassifyRaw classifies unparsed metadata, as received in a query string.
// A missing or unparseable size is unknown. A missing row count is
// estimated from the size; an unparseable one selects Push.
func (c *Classifier) ClassifyRaw(size, rows, importType string) ChannelDecision {
	meta := FileMeta{
		SizeBytes:  -1,
		ImportType: ImportType(strings.ToLower(strings.TrimSpace(importType))),
	}
	if n, err := strconv.ParseInt(strings.TrimSpace(size), 10, 64); err == nil && n >= 0 {
		meta.SizeBytes = n
	}
	meta.EstimatedRows, meta.RowsUnparseable = ParseRowCount(rows)
	return c.Classify(meta)
}

// ParseRowCount reads a caller supplied row estimate. An empty value
// yields -1 (unknown). A value that is not a non-negative integer yields
// -1 and unparseable.
func ParseRowCount(val string) (rows int, unparseable bool) {
	val = strings.TrimSpace(val)
	if val == "" {
		return -1, false
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return -1, true
	}
	return n, false
}
