package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultMinWriteInterval bounds how often non-forced saves reach the disk.
const DefaultMinWriteInterval = 20 * time.Second

const (
	archiveTimeLayout = "2006-01-02_15-04-05"
	archiveSuffix     = ".old.json"
)

// ErrStorage marks local storage failures. They are the only errors that
// abort a synchronization run: without a writable checkpoint every run would
// rescan the same range forever.
var ErrStorage = errors.New("checkpoint storage failure")

// Store owns the on-disk checkpoint document. It is not safe for concurrent
// use; a single synchronization run drives it sequentially.
type Store struct {
	path             string
	minWriteInterval time.Duration
	now              func() time.Time
	logger           *zap.Logger

	lastWrite time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMinWriteInterval overrides DefaultMinWriteInterval.
func WithMinWriteInterval(d time.Duration) Option {
	return func(s *Store) { s.minWriteInterval = d }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for migration and write notices.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore returns a store backed by the JSON file at path.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:             path,
		minWriteInterval: DefaultMinWriteInterval,
		now:              time.Now,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// Load reads the document. A missing file yields an empty document. A document
// older than CurrentVersion is renamed to "<name>.<timestamp>.old.json" and an
// empty document is returned instead.
func (s *Store) Load() (*Document, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrStorage, s.path, err)
	}

	version, err := peekVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrStorage, s.path, err)
	}
	if version < CurrentVersion {
		archived, err := s.archive()
		if err != nil {
			return nil, err
		}
		s.logger.Warn("Checkpoint schema is outdated, starting a fresh document",
			zap.Int("found_version", version),
			zap.Int("current_version", CurrentVersion),
			zap.String("archived_to", archived))
		return NewDocument(), nil
	}

	doc := &Document{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", ErrStorage, s.path, err)
	}
	return doc, nil
}

// Save writes doc when force is set or at least the minimum write interval has
// elapsed since the last successful write. It reports whether a write happened.
func (s *Store) Save(doc *Document, force bool) (bool, error) {
	now := s.now()
	if !force && now.Sub(s.lastWrite) < s.minWriteInterval {
		return false, nil
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return false, fmt.Errorf("%w: encode: %w", ErrStorage, err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return false, fmt.Errorf("%w: %w", ErrStorage, err)
	}

	s.lastWrite = now
	return true, nil
}

// ArchivePath returns where the current document is moved on migration at t.
func (s *Store) ArchivePath(t time.Time) string {
	dir, name := filepath.Split(s.path)
	base := strings.TrimSuffix(name, filepath.Ext(name))
	return filepath.Join(dir, fmt.Sprintf("%s.%s%s", base, t.Format(archiveTimeLayout), archiveSuffix))
}

// archive moves the document aside. An existing archive with the same name is
// never replaced; a "-N" counter is added instead.
func (s *Store) archive() (string, error) {
	first := s.ArchivePath(s.now())
	dst := first
	for n := 1; ; n++ {
		_, err := os.Lstat(dst)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: archive %s: %w", ErrStorage, s.path, err)
		}
		dst = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(first, archiveSuffix), n, archiveSuffix)
	}
	if err := os.Rename(s.path, dst); err != nil {
		return "", fmt.Errorf("%w: archive %s: %w", ErrStorage, s.path, err)
	}
	return dst, nil
}

func peekVersion(raw []byte) (int, error) {
	var head map[string]json.RawMessage
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0, err
	}
	v, ok := head[versionKey]
	if !ok {
		return 0, nil
	}
	var version int
	if err := json.Unmarshal(v, &version); err != nil {
		return 0, fmt.Errorf("%s: %w", versionKey, err)
	}
	return version, nil
}

// writeFileAtomic replaces path with data through a temp file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmpName, err)
	}
	return nil
}
