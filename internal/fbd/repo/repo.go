// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package repo owns the on-disk layout of a device repository. A
// repository is a directory with a human readable metadata file, a
// checksummed allocation table and a chunks directory holding one
// backing file per allocated chunk. All durable updates go through an
// atomic write-fsync-rename cycle so that a crash never leaves a torn
// file behind.
package repo

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// Current version of the metadata format.
	metaVersion = 1

	// Names of the files inside the repository directory.
	metaFileName  = "meta"
	tableFileName = "table"

	// Directory with the chunk backing files, fanned out into 256
	// subdirectories to keep directory sizes reasonable for huge
	// devices.
	chunksDirName = "chunks"

	// Chunk sizes must be a multiple of the largest supported device
	// block size and fit into a signed 32 bit sector count.
	chunkSizeAlign = 4096
	chunkSizeMax   = 4 << 30
)

var (
	// Returned by Create when the root already holds a repository.
	ErrExists = errors.New("repository already exists")

	// Returned by Load when the root does not hold a repository.
	ErrNotFound = errors.New("repository not found")

	// Returned by Load when metadata is present but does not pass the
	// shape or checksum checks. This is fatal, the repository must not
	// be served.
	ErrCorrupt = errors.New("repository metadata corrupt")
)

// Device parameters fixed at provisioning time.
type Params struct {
	// Decimal part of /dev/buse%d under which the device registers.
	Major int

	// Logical size of the device in bytes. Does not have to be a
	// multiple of the chunk size; the final chunk is partial then.
	Size int64

	// Size of one chunk backing file in bytes.
	ChunkSize int64
}

// Repository is the single unit of provisioning. It holds the device
// parameters and knows how to durably persist the allocation table.
type Repository struct {
	root   string
	params Params
}

// Validates provisioning parameters. Everything else in the package
// assumes these invariants.
func (p Params) validate() error {
	if p.Size <= 0 {
		return fmt.Errorf("device size must be positive, got %d", p.Size)
	}
	if p.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", p.ChunkSize)
	}
	if p.ChunkSize%chunkSizeAlign != 0 {
		return fmt.Errorf("chunk size must be a multiple of %d, got %d",
			chunkSizeAlign, p.ChunkSize)
	}
	if p.ChunkSize > chunkSizeMax {
		return fmt.Errorf("chunk size must be at most %d, got %d",
			chunkSizeMax, p.ChunkSize)
	}
	if p.Major < 0 {
		return fmt.Errorf("device major must not be negative, got %d", p.Major)
	}
	return nil
}

// Chunks returns the number of entries in the allocation table, i.e.
// ceil(Size / ChunkSize).
func (p Params) Chunks() int64 {
	return (p.Size + p.ChunkSize - 1) / p.ChunkSize
}

// ChunkExtent returns the true length of the chunk with the given
// index. All chunks are ChunkSize long except a partial final one.
func (p Params) ChunkExtent(index int64) int64 {
	if rest := p.Size - index*p.ChunkSize; rest < p.ChunkSize {
		return rest
	}
	return p.ChunkSize
}

// Create provisions a new repository at root. It fails without leaving
// any state behind when root already contains a repository or the
// parameters are invalid. On success the metadata and an empty
// allocation table are durable before the call returns.
func Create(root string, params Params) (*Repository, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	r := &Repository{root: root, params: params}

	if _, err := os.Stat(r.metaPath()); err == nil {
		return nil, fmt.Errorf("%w at %s", ErrExists, root)
	}

	if err := os.MkdirAll(r.ChunksDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating chunks directory: %w", err)
	}

	if err := r.persistMeta(); err != nil {
		return nil, err
	}

	if err := r.PersistTable(NewTable(params.Chunks())); err != nil {
		return nil, err
	}

	return r, nil
}

// Load opens an existing repository and returns it together with the
// persisted allocation table. The table still has to be reconciled
// against the chunks directory by the recovery package before any I/O
// is served.
func Load(root string) (*Repository, *Table, error) {
	r := &Repository{root: root}

	if err := r.loadMeta(); err != nil {
		return nil, nil, err
	}

	table, err := loadTable(r.tablePath(), r.params.Chunks())
	if err != nil {
		return nil, nil, err
	}

	return r, table, nil
}

// Expand grows the logical size of the device by at least bytes,
// rounded up to the next multiple of the chunk size, and persists
// metadata and the extended table. The device must not be running.
func (r *Repository) Expand(bytes int64) (int64, error) {
	if bytes <= 0 {
		return 0, fmt.Errorf("expansion must be positive, got %d", bytes)
	}

	size := r.params.Size + bytes
	if size < r.params.Size {
		return 0, fmt.Errorf("expansion by %d overflows the device size", bytes)
	}
	if rem := size % r.params.ChunkSize; rem != 0 {
		size += r.params.ChunkSize - rem
	}

	table, err := loadTable(r.tablePath(), r.params.Chunks())
	if err != nil {
		return 0, err
	}

	r.params.Size = size
	table.grow(r.params.Chunks())

	if err := r.persistMeta(); err != nil {
		return 0, err
	}
	if err := r.PersistTable(table); err != nil {
		return 0, err
	}

	return size, nil
}

// Params returns the device parameters of the repository.
func (r *Repository) Params() Params {
	return r.params
}

// Root returns the repository directory.
func (r *Repository) Root() string {
	return r.root
}

// ChunksDir returns the directory holding the chunk backing files.
func (r *Repository) ChunksDir() string {
	return filepath.Join(r.root, chunksDirName)
}

// ChunkPath returns the path of the backing file for the chunk with
// the given index. The file does not have to exist.
func (r *Repository) ChunkPath(index int64) string {
	return filepath.Join(r.ChunksDir(),
		fmt.Sprintf("%02x", index%256), strconv.FormatInt(index, 10))
}

func (r *Repository) metaPath() string {
	return filepath.Join(r.root, metaFileName)
}

func (r *Repository) tablePath() string {
	return filepath.Join(r.root, tableFileName)
}

// Serializes the metadata into the "name value" line format and
// atomically replaces the metadata file.
func (r *Repository) persistMeta() error {
	var b strings.Builder

	fmt.Fprintf(&b, "version %d\n", metaVersion)
	fmt.Fprintf(&b, "major %d\n", r.params.Major)
	fmt.Fprintf(&b, "size %d\n", r.params.Size)
	fmt.Fprintf(&b, "chunk-size %d\n", r.params.ChunkSize)

	return atomicReplace(r.metaPath(), []byte(b.String()))
}

// Parses the metadata file and shape-checks it. Unknown settings and
// missing required settings are both corruption, we never serve a
// device whose parameters we do not fully understand.
func (r *Repository) loadMeta() error {
	f, err := os.Open(r.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w at %s", ErrNotFound, r.root)
		}
		return err
	}
	defer f.Close()

	var version, major, size, chunkSize *int64

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, value, found := strings.Cut(line, " ")
		if !found {
			return fmt.Errorf("%w: missing value in line %q", ErrCorrupt, line)
		}

		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid value for %s: %v", ErrCorrupt, name, err)
		}

		switch name {
		case "version":
			version = &n
		case "major":
			major = &n
		case "size":
			size = &n
		case "chunk-size":
			chunkSize = &n
		default:
			return fmt.Errorf("%w: unknown setting %q", ErrCorrupt, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	for name, v := range map[string]*int64{
		"version": version, "major": major, "size": size, "chunk-size": chunkSize,
	} {
		if v == nil {
			return fmt.Errorf("%w: missing setting %q", ErrCorrupt, name)
		}
	}
	if *version != metaVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, *version)
	}

	r.params = Params{Major: int(*major), Size: *size, ChunkSize: *chunkSize}

	return r.params.validate()
}

// atomicReplace durably replaces the file at path with data. The new
// version is written aside, fsynced, renamed over the old one and the
// directory is fsynced. A crash at any point leaves either the old or
// the new version, never a torn one.
func atomicReplace(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}

	return SyncDir(filepath.Dir(path))
}

// SyncDir fsyncs a directory so that entries created or renamed in it
// survive a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}
