// Package storage resolves dataset sources and reads and writes stage
// snapshots relative to a storage root.
package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/afero"

	"github.com/sells-group/datapipe/internal/model"
	"github.com/sells-group/datapipe/internal/tabular"
)

// Store reads sources and snapshots below a storage root.
// Artifact pointers handed to callers are always root-relative.
type Store struct {
	fs      afero.Fs
	root    string
	format  tabular.Format
	csvOpts tabular.CSVOptions
}

// Option configures a Store.
type Option func(*Store)

// WithFormat sets the snapshot format. Default: csv.
func WithFormat(f tabular.Format) Option {
	return func(s *Store) {
		s.format = f
	}
}

// WithCSVOptions sets the options used when reading CSV sources.
func WithCSVOptions(opts tabular.CSVOptions) Option {
	return func(s *Store) {
		s.csvOpts = opts
	}
}

// New creates a Store over fs rooted at root.
func New(fs afero.Fs, root string, opts ...Option) *Store {
	s := &Store{fs: fs, root: root, format: tabular.FormatCSV}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewOS creates a Store on the local filesystem and ensures the snapshot
// directories exist.
func NewOS(root string, opts ...Option) (*Store, error) {
	s := New(afero.NewOsFs(), root, opts...)
	for _, kind := range []model.ArtifactKind{model.ArtifactCleaned, model.ArtifactAnalysed} {
		if err := s.fs.MkdirAll(filepath.Join(root, string(kind)), 0o755); err != nil {
			return nil, eris.Wrapf(err, "storage: create %s dir", kind)
		}
	}
	return s, nil
}

// Format returns the snapshot format.
func (s *Store) Format() tabular.Format {
	return s.format
}

// SnapshotPath returns the root-relative path of a snapshot.
func (s *Store) SnapshotPath(kind model.ArtifactKind, datasetID string) string {
	return path.Join(string(kind), datasetID+s.format.Ext())
}

// Resolve maps a root-relative or absolute path to a filesystem path.
func (s *Store) Resolve(p string) string {
	if filepath.IsAbs(p) || s.root == "" {
		return p
	}
	return filepath.Join(s.root, filepath.FromSlash(p))
}

// ReadSource loads the dataset at p. The format follows the extension.
func (s *Store) ReadSource(ctx context.Context, p string) (*tabular.Table, error) {
	format, err := tabular.FormatFromPath(p)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(s.Resolve(p))
	if err != nil {
		return nil, eris.Wrapf(err, "storage: open source %s", p)
	}
	defer f.Close()

	t, err := tabular.Decode(ctx, f, format, s.csvOpts)
	if err != nil {
		return nil, eris.Wrapf(err, "storage: decode source %s", p)
	}
	return t, nil
}

// SaveSnapshot writes a complete snapshot atomically and returns its pointer.
func (s *Store) SaveSnapshot(_ context.Context, kind model.ArtifactKind, datasetID string, t *tabular.Table) (model.FileRef, error) {
	rel := s.SnapshotPath(kind, datasetID)
	data, err := tabular.Encode(t, s.format)
	if err != nil {
		return model.FileRef{}, eris.Wrapf(err, "storage: encode %s", rel)
	}

	target := s.Resolve(rel)
	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return model.FileRef{}, eris.Wrapf(err, "storage: mkdir for %s", rel)
	}
	tmp := target + ".tmp-" + uuid.NewString()
	if err := afero.WriteReader(s.fs, tmp, bytes.NewReader(data)); err != nil {
		return model.FileRef{}, eris.Wrapf(err, "storage: write %s", rel)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return model.FileRef{}, eris.Wrapf(err, "storage: rename %s", rel)
	}
	return model.FileRef{Path: rel, Type: s.format.ContentType()}, nil
}

// LoadSnapshot reads a snapshot back. ok is false when none exists.
func (s *Store) LoadSnapshot(ctx context.Context, kind model.ArtifactKind, datasetID string) (t *tabular.Table, ok bool, err error) {
	rel := s.SnapshotPath(kind, datasetID)
	data, err := afero.ReadFile(s.fs, s.Resolve(rel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, eris.Wrapf(err, "storage: read %s", rel)
	}
	t, err = tabular.Decode(ctx, bytes.NewReader(data), s.format, tabular.CSVOptions{})
	if err != nil {
		return nil, false, eris.Wrapf(err, "storage: decode %s", rel)
	}
	return t, true, nil
}
