package artifacts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// bundleEpoch is stamped on every entry so identical inputs produce identical bytes.
var bundleEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Bundle is a deterministic zip of the selected output files.
type Bundle struct {
	Files  []string
	Data   []byte
	SHA256 string
}

// Collect walks baseDir and returns the slash separated relative paths of the
// regular files selected by filter, sorted.
func Collect(baseDir string, filter *FileFilter) ([]string, error) {
	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, fmt.Errorf("output base dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("output base dir %s is not a directory", baseDir)
	}

	var files []string
	err = filepath.WalkDir(baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(baseDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if filter.Match(rel) {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", baseDir, err)
	}
	sort.Strings(files)
	return files, nil
}

// BuildBundle zips files, which must be relative to baseDir.
func BuildBundle(baseDir string, files []string) (Bundle, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, rel := range files {
		if err := addFile(zw, baseDir, rel); err != nil {
			_ = zw.Close()
			return Bundle{}, err
		}
	}
	if err := zw.Close(); err != nil {
		return Bundle{}, fmt.Errorf("close zip: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return Bundle{
		Files:  append([]string(nil), files...),
		Data:   buf.Bytes(),
		SHA256: hex.EncodeToString(sum[:]),
	}, nil
}

func addFile(zw *zip.Writer, baseDir, rel string) error {
	if strings.HasPrefix(rel, "../") || strings.HasPrefix(rel, "/") {
		return fmt.Errorf("file %q escapes output base dir", rel)
	}
	src := filepath.Join(baseDir, filepath.FromSlash(rel))
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", rel, err)
	}

	header := &zip.FileHeader{
		Name:     rel,
		Method:   zip.Deflate,
		Modified: bundleEpoch,
	}
	mode := fs.FileMode(0o644)
	if info.Mode().Perm()&0o111 != 0 {
		mode = 0o755
	}
	header.SetMode(mode)

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("zip header %s: %w", rel, err)
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("zip %s: %w", rel, err)
	}
	return nil
}

// ReadBundleFile returns the content of name inside a zip bundle.
func ReadBundleFile(data []byte, name string) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("file %q not found in bundle", name)
}
