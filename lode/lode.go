// Package lode persists analytics records and run artifacts to a lode
// dataset (filesystem, memory, or S3 stores).
//
// Every dataset uses the same Hive layout, partitioned by
// source/day/plugin, with a JSONL codec. Writers and readers must share
// the layout or partition paths diverge; the constructors here are the
// only place it is spelled out.
package lode

import (
	"strings"

	"github.com/justapithecus/lode/lode"
)

// DefaultDataset is the dataset id used when config leaves it empty.
const DefaultDataset = "kilnbox"

// Config identifies the dataset and the writing surface.
type Config struct {
	// Dataset is the lode dataset id. Empty means DefaultDataset.
	Dataset string
	// Source labels records whose own source field is empty
	// (cli, rest, worker).
	Source string
}

func (c Config) withDefaults() Config {
	if c.Dataset == "" {
		c.Dataset = DefaultDataset
	}
	if c.Source == "" {
		c.Source = "cli"
	}
	return c
}

func newDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout("source", "day", "plugin"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// NewDataset opens a dataset with the shared layout, for reading or
// writing through the lode API directly (stats queries use this).
func NewDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := newDataset(dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, dataset)
	}
	return ds, nil
}

// NewFSDataset opens a dataset rooted at a local directory.
func NewFSDataset(dataset, root string) (lode.Dataset, error) {
	return NewDataset(dataset, lode.NewFSFactory(root))
}

// snapshotMatchesFilter reports whether any file in the snapshot lies
// under the given partition key=value. Empty values match everything.
func snapshotMatchesFilter(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks a Hive path for an exact key=value
// segment. Exact segment comparison avoids substring false positives
// (plugin=p1 must not match plugin=p10).
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for _, part := range strings.Split(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}
