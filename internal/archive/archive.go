// Package archive packages a spider's code tree as a gzipped tarball.
package archive

import (
	"archive/tar"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/zeebo/blake3"
)

// MaxSize bounds both packed and unpacked archives.
const MaxSize = 256 << 20

var (
	ErrEmpty    = errors.New("archive: no files")
	ErrTooLarge = errors.New("archive: too large")
	ErrUnsafe   = errors.New("archive: unsafe path")
)

// Archive is a packaged code tree.
type Archive struct {
	Data      []byte
	FileCount int
}

func (a Archive) Size() int64 { return int64(len(a.Data)) }

// Checksum returns the hex BLAKE3-256 digest of the archive bytes.
func (a Archive) Checksum() string { return Checksum(a.Data) }

func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify returns an error if data does not hash to want.
func Verify(data []byte, want string) error {
	if got := Checksum(data); got != want {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", want, got)
	}
	return nil
}

// skipDir lists directories never packaged: VCS metadata and our own state.
var skipDir = map[string]bool{".git": true, ".crawlhub": true, "__pycache__": true}

// Pack tars every regular file under fsys. Symlinks and special files are
// skipped.
func Pack(fsys fs.FS) (Archive, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	count := 0
	var total int64

	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != "." && skipDir[d.Name()] {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		if total > MaxSize {
			return ErrTooLarge
		}
		hdr := &tar.Header{
			Name:     p,
			Typeflag: tar.TypeReg,
			Mode:     int64(info.Mode().Perm()),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := fsys.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return Archive{}, fmt.Errorf("pack: %w", err)
	}
	if count == 0 {
		return Archive{}, ErrEmpty
	}
	if err := tw.Close(); err != nil {
		return Archive{}, err
	}
	if err := gz.Close(); err != nil {
		return Archive{}, err
	}
	return Archive{Data: buf.Bytes(), FileCount: count}, nil
}

// Entry describes one file in an archive.
type Entry struct {
	Name string
	Size int64
}

// Inspect validates data as a well-formed archive and lists its files.
func Inspect(data []byte) ([]Entry, error) {
	var out []Entry
	err := walk(data, func(hdr *tar.Header, _ io.Reader) error {
		out = append(out, Entry{Name: hdr.Name, Size: hdr.Size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrEmpty
	}
	return out, nil
}

// Unpack extracts data into dir, which must already exist.
func Unpack(data []byte, dir string) (int, error) {
	count := 0
	err := walk(data, func(hdr *tar.Header, r io.Reader) error {
		dst := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		mode := os.FileMode(hdr.Mode).Perm()
		if mode == 0 {
			mode = 0o644
		}
		f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		count++
		return f.Close()
	})
	return count, err
}

func walk(data []byte, fn func(*tar.Header, io.Reader) error) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(io.LimitReader(gz, MaxSize+1))
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !safeName(hdr.Name) {
			return fmt.Errorf("%w: %q", ErrUnsafe, hdr.Name)
		}
		total += hdr.Size
		if total > MaxSize {
			return ErrTooLarge
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

func safeName(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	clean := path.Clean(name)
	return clean != "." && clean != ".." && !strings.HasPrefix(clean, "../")
}
