/*
Copyright 2025 The Photark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package archive turns uploaded extension bundles into installable trees.
// Formats are discriminated by magic bytes only; file extensions are never
// consulted. The manifest may sit at any depth inside the bundle, and every
// member is rebased so the manifest lands at the extension root.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/photark/extension-host/api/extension"
)

// Format is the compression container of a bundle.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTarGz
)

func (f Format) String() string {
	switch f {
	case FormatZip:
		return "zip"
	case FormatTarGz:
		return "tar.gz"
	default:
		return "unknown"
	}
}

var (
	// ErrBadArchive marks bundles that cannot be read: unknown magic bytes,
	// corrupt containers, or containers with no manifest entry.
	ErrBadArchive = errors.New("bad archive")

	// ErrMalformedManifest marks bundles whose manifest entry is not valid
	// manifest JSON.
	ErrMalformedManifest = errors.New("malformed manifest")
)

var (
	zipMagic        = []byte{'P', 'K', 0x03, 0x04}
	zipMagicEmpty   = []byte{'P', 'K', 0x05, 0x06}
	zipMagicSpanned = []byte{'P', 'K', 0x07, 0x08}
	gzipMagic       = []byte{0x1F, 0x8B, 0x08}
)

// Sniff determines the container format from the leading magic bytes.
func Sniff(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, zipMagic),
		bytes.HasPrefix(data, zipMagicEmpty),
		bytes.HasPrefix(data, zipMagicSpanned):
		return FormatZip
	case bytes.HasPrefix(data, gzipMagic):
		return FormatTarGz
	default:
		return FormatUnknown
	}
}

// Bundle is an opened extension archive: its parsed manifest, the path
// prefix the manifest was found under, and the buffer needed to extract the
// rest later. Opening never touches the filesystem.
type Bundle struct {
	// Manifest is decoded but not semantically validated; invariant checks
	// are the installer's responsibility.
	Manifest    *extension.Manifest
	RawManifest []byte

	// Prefix is the directory portion of the manifest entry's path. Members
	// outside it are ignored at extraction time.
	Prefix string

	format Format
	data   []byte
}

// Format returns the sniffed container format of the bundle.
func (b *Bundle) Format() Format {
	return b.format
}

// Open sniffs the buffer, locates the first entry whose path ends with
// manifest.json and decodes it. The returned bundle can extract the full
// tree later via Extract.
func Open(data []byte) (*Bundle, error) {
	format := Sniff(data)

	var (
		name string
		raw  []byte
		err  error
	)
	switch format {
	case FormatZip:
		name, raw, err = findZipManifest(data)
	case FormatTarGz:
		name, raw, err = findTarManifest(data)
	default:
		return nil, errors.Wrap(ErrBadArchive, "unrecognized magic bytes")
	}
	if err != nil {
		return nil, err
	}

	manifest, err := extension.ParseManifest(raw)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedManifest, "entry %s: %v", name, err)
	}

	return &Bundle{
		Manifest:    manifest,
		RawManifest: raw,
		Prefix:      strings.TrimSuffix(name, extension.ManifestFileName),
		format:      format,
		data:        data,
	}, nil
}

// Extract writes every member under the bundle's prefix into destDir, with
// the prefix stripped so the manifest sits directly in destDir. Members that
// would escape destDir are rejected.
func (b *Bundle) Extract(destDir string) error {
	switch b.format {
	case FormatZip:
		return b.extractZip(destDir)
	case FormatTarGz:
		return b.extractTarGz(destDir)
	default:
		return errors.Wrap(ErrBadArchive, "unrecognized magic bytes")
	}
}

func isManifestEntry(name string) bool {
	return path.Base(name) == extension.ManifestFileName
}

func findZipManifest(data []byte) (string, []byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", nil, errors.Wrapf(ErrBadArchive, "reading zip: %v", err)
	}

	for _, file := range reader.File {
		if file.FileInfo().IsDir() || !isManifestEntry(file.Name) {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return "", nil, errors.Wrapf(ErrBadArchive, "opening %s: %v", file.Name, err)
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", nil, errors.Wrapf(ErrBadArchive, "reading %s: %v", file.Name, err)
		}
		return file.Name, raw, nil
	}

	return "", nil, errors.Wrapf(ErrBadArchive, "no %s entry", extension.ManifestFileName)
}

func findTarManifest(data []byte) (string, []byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", nil, errors.Wrapf(ErrBadArchive, "reading gzip: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, errors.Wrapf(ErrBadArchive, "reading tar: %v", err)
		}
		if header.Typeflag != tar.TypeReg || !isManifestEntry(header.Name) {
			continue
		}

		raw, err := io.ReadAll(tr)
		if err != nil {
			return "", nil, errors.Wrapf(ErrBadArchive, "reading %s: %v", header.Name, err)
		}
		return header.Name, raw, nil
	}

	return "", nil, errors.Wrapf(ErrBadArchive, "no %s entry", extension.ManifestFileName)
}

// relativeTo rebases an archive member path against the manifest prefix.
// It returns the cleaned relative path and whether the member should be
// extracted at all.
func relativeTo(prefix, name string) (string, bool) {
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	rel := strings.TrimPrefix(name, prefix)
	rel = strings.TrimSuffix(rel, "/")
	if rel == "" {
		return "", false
	}
	rel = filepath.FromSlash(rel)
	if !filepath.IsLocal(rel) {
		return "", false
	}
	return rel, true
}

func (b *Bundle) extractZip(destDir string) error {
	reader, err := zip.NewReader(bytes.NewReader(b.data), int64(len(b.data)))
	if err != nil {
		return errors.Wrapf(ErrBadArchive, "reading zip: %v", err)
	}

	for _, file := range reader.File {
		rel, ok := relativeTo(b.Prefix, file.Name)
		if !ok {
			continue
		}
		target := filepath.Join(destDir, rel)

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrapf(err, "creating directory %s", target)
			}
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return errors.Wrapf(err, "opening entry %s", file.Name)
		}
		err = writeMember(target, rc, file.Mode())
		rc.Close()
		if err != nil {
			return errors.Wrapf(err, "extracting %s", file.Name)
		}
	}
	return nil
}

func (b *Bundle) extractTarGz(destDir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(b.data))
	if err != nil {
		return errors.Wrapf(ErrBadArchive, "reading gzip: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(ErrBadArchive, "reading tar: %v", err)
		}

		rel, ok := relativeTo(b.Prefix, header.Name)
		if !ok {
			continue
		}
		target := filepath.Join(destDir, rel)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrapf(err, "creating directory %s", target)
			}
		case tar.TypeReg:
			if err := writeMember(target, tr, header.FileInfo().Mode()); err != nil {
				return errors.Wrapf(err, "extracting %s", header.Name)
			}
		default:
			// Links, devices and other special members are not part of the
			// bundle contract.
			continue
		}
	}
}

func writeMember(target string, content io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, content); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
