// Package library manages the on-disk working tree shared by the record and
// merge passes: source/ for input documents, partial/<id>/ for staged
// per-segment audio, backup/ for the pre-merge snapshot, and output/ for the
// final artifacts.
package library

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	sourceDir  = "source"
	partialDir = "partial"
	backupDir  = "backup"
	outputDir  = "output"

	documentIDRunes = 5
)

// Library is rooted at a configurable base path and owns the fixed
// directory layout beneath it.
type Library struct {
	root     string
	audioExt string
	log      *slog.Logger
}

func New(root, audioExt string, log *slog.Logger) *Library {
	return &Library{
		root:     root,
		audioExt: audioExt,
		log:      log.With(slog.String("component", "library")),
	}
}

func (l *Library) SourceDir() string  { return filepath.Join(l.root, sourceDir) }
func (l *Library) PartialDir() string { return filepath.Join(l.root, partialDir) }
func (l *Library) BackupDir() string  { return filepath.Join(l.root, backupDir) }
func (l *Library) OutputDir() string  { return filepath.Join(l.root, outputDir) }

// AudioExt returns the staged audio extension, dot included.
func (l *Library) AudioExt() string { return l.audioExt }

// EnsureLayout idempotently creates the root and its four working
// directories. Already-existing directories are never an error.
func (l *Library) EnsureLayout() error {
	for _, dir := range []string{l.root, l.SourceDir(), l.PartialDir(), l.BackupDir(), l.OutputDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ClearPartials removes every per-document subdirectory under partial/
// ahead of a new record pass. A missing or empty partial root is success.
func (l *Library) ClearPartials() error {
	entries, err := os.ReadDir(l.PartialDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read partial dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(l.PartialDir(), entry.Name())); err != nil {
			return fmt.Errorf("clear partial %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureDocumentDir creates the per-document staging directory. MkdirAll is
// the atomic create-if-absent primitive here: concurrent callers racing on
// the same id all succeed.
func (l *Library) EnsureDocumentDir(id string) (string, error) {
	dir := filepath.Join(l.PartialDir(), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create document dir %s: %w", id, err)
	}
	return dir, nil
}

// DocumentID derives the short identifier from a source filename: the first
// five runes of the stem.
func DocumentID(filename string) string {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	runes := []rune(stem)
	if len(runes) > documentIDRunes {
		runes = runes[:documentIDRunes]
	}
	return string(runes)
}

// ListSources returns the source document filenames in sorted order.
func (l *Library) ListSources() ([]string, error) {
	entries, err := os.ReadDir(l.SourceDir())
	if err != nil {
		return nil, fmt.Errorf("read source dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadSource returns the raw bytes of one source document.
func (l *Library) ReadSource(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.SourceDir(), name))
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", name, err)
	}
	return data, nil
}

// ListDocumentDirs returns the ids of the staged per-document directories,
// the unit of work for merge.
func (l *Library) ListDocumentDirs() ([]string, error) {
	entries, err := os.ReadDir(l.PartialDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read partial dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListAudioFiles returns a document's staged audio paths filtered to the
// configured extension, in lexical order. The merge step relies on that
// order being the logical segment order.
func (l *Library) ListAudioFiles(id string) ([]string, error) {
	dir := filepath.Join(l.PartialDir(), id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read document dir %s: %w", id, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), l.audioExt) {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// PartialFilePath returns the destination path for one staged segment file.
func (l *Library) PartialFilePath(id, name string) string {
	return filepath.Join(l.PartialDir(), id, name)
}

// OutputPath returns the path of a final artifact.
func (l *Library) OutputPath(name string) string {
	return filepath.Join(l.OutputDir(), name)
}

// Snapshot recursively copies partial/ into backup/ before merge consumes
// it. Files already present in the backup are overwritten.
func (l *Library) Snapshot() error {
	src := l.PartialDir()
	dst := l.BackupDir()
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	return out.Close()
}
