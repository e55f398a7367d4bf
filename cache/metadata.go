// Package cache describes the read side of the dataset cache: the
// vertically-partitioned, per-feature-shard on-disk format produced by the
// (out of scope) dataset cache builder. The core only ever reads a
// metadata descriptor from it; the shard contents themselves are read by
// workers, never by the manager.
package cache

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
)

// ColumnType is the semantic type the cache builder assigned to a column.
type ColumnType int

const (
	Boolean ColumnType = iota
	Categorical
	Numerical
	DiscretizedNumerical
)

func (t ColumnType) String() string {
	switch t {
	case Boolean:
		return "BOOLEAN"
	case Categorical:
		return "CATEGORICAL"
	case Numerical:
		return "NUMERICAL"
	case DiscretizedNumerical:
		return "DISCRETIZED_NUMERICAL"
	default:
		return "UNKNOWN"
	}
}

// Column is the per-column statistics recorded by the cache builder. Only
// the fields relevant to the column's Type are meaningful.
type Column struct {
	Type ColumnType

	// NumUniqueValues is set for Numerical columns.
	NumUniqueValues int
	// NumDiscretizedValues is set for DiscretizedNumerical columns.
	NumDiscretizedValues int
	// NumCategoricalValues is set for Categorical columns.
	NumCategoricalValues int
}

// Metadata is the cache-wide descriptor read once at training start and
// held immutable for the run.
type Metadata struct {
	Columns     []Column
	NumExamples int64
}

// Column returns the metadata for feature index idx, or a zero Column and
// false if idx is out of range.
func (m *Metadata) Column(idx int) (Column, bool) {
	if idx < 0 || idx >= len(m.Columns) {
		return Column{}, false
	}
	return m.Columns[idx], true
}

// metadataFileName is the name of the metadata file within a dataset cache
// directory, written by the (out of scope) cache builder.
const metadataFileName = "metadata"

// Load reads the metadata descriptor for the dataset cache rooted at path.
// The cache's shard contents are opaque to the core and are not touched
// here.
func Load(path string) (*Metadata, error) {
	f, err := os.Open(metadataFilePath(path))
	if err != nil {
		return nil, errors.E(errors.NotExist, err, "cache: could not open metadata")
	}
	defer f.Close()
	var m Metadata
	if err := gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, errors.E(errors.Invalid, err, "cache: could not decode metadata")
	}
	return &m, nil
}

// Write persists m to the dataset cache rooted at path. Writing the cache
// itself is the cache builder's job; this helper exists so that tests (and
// the partial-cache conversion step) can produce a well-formed metadata
// file without depending on the external builder.
func Write(path string, m *Metadata) error {
	f, err := os.Create(metadataFilePath(path))
	if err != nil {
		return errors.E(errors.Fatal, err, "cache: could not create metadata")
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(m)
}

func metadataFilePath(root string) string {
	return filepath.Join(root, metadataFileName)
}
