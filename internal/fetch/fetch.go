// Package fetch is the file-download-and-untar helper named as an external
// collaborator in spec.md §1: given a URL, it downloads and extracts a
// gzip-compressed tarball into a destination directory. It has no
// knowledge of steamcmd, repos, or overlays — callers own all of that.
package fetch

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// TarGzToDir downloads the gzip tarball at url and extracts it under dir,
// creating dir (mode 0755) if it does not exist. Existing files at
// conflicting paths are overwritten.
func TarGzToDir(ctx context.Context, url, dir string) error {
	if url == "" {
		return fmt.Errorf("fetch: url must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fetch: create destination dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("fetch: build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch: download %s: unexpected status %s", url, resp.Status)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("fetch: open gzip stream: %w", err)
	}
	defer gz.Close()

	return extractTar(tar.NewReader(gz), dir)
}

func extractTar(tr *tar.Reader, dir string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch: read tar entry: %w", err)
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("fetch: create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("fetch: create parent dir for %s: %w", target, err)
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := safeLinkTarget(dir, filepath.Dir(target), hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("fetch: create parent dir for %s: %w", target, err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("fetch: create symlink %s: %w", target, err)
			}
		default:
			// Skip device nodes, fifos, and other entry types a tool tarball
			// has no legitimate reason to contain.
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("fetch: create file %s: %w", target, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("fetch: write file %s: %w", target, err)
	}
	return nil
}

// safeJoin joins dir and name, rejecting any entry that would escape dir via
// ".." path segments (a zip-slip style tarball attack).
func safeJoin(dir, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("fetch: tar entry %q escapes destination directory", name)
	}
	joined := filepath.Join(dir, cleaned)
	if !strings.HasPrefix(joined, filepath.Clean(dir)+string(os.PathSeparator)) && joined != filepath.Clean(dir) {
		return "", fmt.Errorf("fetch: tar entry %q escapes destination directory", name)
	}
	return joined, nil
}

// safeLinkTarget rejects a symlink entry whose target, resolved relative to
// the symlink's own directory, would point outside dir. safeJoin only
// validates the symlink's own path; without this check a crafted tarball
// could plant a symlink pointing outside dir and follow it with an entry
// that writes through it, escaping dir despite its own name passing
// safeJoin.
func safeLinkTarget(dir, symlinkDir, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("fetch: symlink target %q is absolute", linkname)
	}
	cleanDir := filepath.Clean(dir)
	resolved := filepath.Clean(filepath.Join(symlinkDir, linkname))
	if resolved != cleanDir && !strings.HasPrefix(resolved, cleanDir+string(os.PathSeparator)) {
		return fmt.Errorf("fetch: symlink target %q escapes destination directory", linkname)
	}
	return nil
}
