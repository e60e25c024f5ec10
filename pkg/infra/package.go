package infra

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PackageChaincode writes the source of the chaincode at goPath/src/ccPath into
// a gzipped tar, entries are named src/<ccPath>/... as peers expect for Go
// chaincode. Test files and hidden entries are skipped.
func PackageChaincode(goPath, ccPath string) ([]byte, error) {
	if goPath == "" {
		return nil, errors.New("goPath is not set")
	}
	root := filepath.Join(goPath, "src", filepath.FromSlash(ccPath))
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, "fail to find chaincode %s", ccPath)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("chaincode path %s is not a directory", root)
	}

	buf := &bytes.Buffer{}
	gw := gzip.NewWriter(buf)
	tw := tar.NewWriter(gw)

	files := 0
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || strings.HasSuffix(d.Name(), "_test.go") {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if err := writeFileToPackage(tw, p, path.Join("src", ccPath, filepath.ToSlash(rel))); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "fail to package chaincode %s", ccPath)
	}
	if files == 0 {
		return nil, errors.Errorf("no source files found for chaincode %s", ccPath)
	}

	if err := tw.Close(); err != nil {
		return nil, errors.Wrap(err, "fail to close tar writer")
	}
	if err := gw.Close(); err != nil {
		return nil, errors.Wrap(err, "fail to close gzip writer")
	}
	return buf.Bytes(), nil
}

// writeFileToPackage adds one file with a zero timestamp so that the package
// of unchanged sources is byte for byte the same
func writeFileToPackage(tw *tar.Writer, localPath, packagePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:     packagePath,
		Mode:     0100644,
		Size:     info.Size(),
		ModTime:  time.Unix(0, 0),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return errors.Wrapf(err, "fail to write header for %s", localPath)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return errors.Wrapf(err, "fail to write %s", localPath)
	}
	return nil
}
