package apple

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// checkStagingPath accepts only absolute, traversal-free container paths.
func checkStagingPath(p string) error {
	if !path.IsAbs(p) {
		return fmt.Errorf("invalid path: must be absolute: %q", p)
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return fmt.Errorf("invalid path: contains directory traversal: %q", p)
		}
	}
	return nil
}

// tarFile writes f as a single-entry archive named name, owned by u when u is numeric.
func tarFile(w io.Writer, f *os.File, name string, u runtimeUser) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", f.Name())
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Uname, hdr.Gname = "", ""
	if uid, err := strconv.Atoi(u.uid); err == nil {
		hdr.Uid = uid
	}
	if gid, err := strconv.Atoi(u.gid); err == nil {
		hdr.Gid = gid
	}

	tw := tar.NewWriter(w)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		return err
	}
	return tw.Close()
}

// untarFile extracts the first regular file of the archive in r to dst and
// consumes the rest of the stream.
func untarFile(r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	extracted := false
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		if extracted || hdr.Typeflag != tar.TypeReg {
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("creating local directory: %w", err)
		}
		out, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("creating destination file: %w", err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("extracting %s: %w", hdr.Name, err)
		}
		if err := out.Close(); err != nil {
			return err
		}
		extracted = true
	}

	if !extracted {
		return errors.New("archive contains no regular file")
	}
	return nil
}
