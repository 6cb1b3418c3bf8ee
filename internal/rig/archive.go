package rig

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// assembleArchive tars the rig's working directory into its parent
// directory as "<name>-<timestamp>.tar.gz", verifies the result is
// readable, and returns its path. It does not remove the working
// directory; the caller decides that based on no_archive.
func (r *Rig) assembleArchive() (string, error) {
	archiveName := fmt.Sprintf("%s-%d.tar.gz", r.name, time.Now().Unix())
	archivePath := filepath.Join(r.archiveParent, archiveName)

	if err := writeTarGz(archivePath, r.workDir); err != nil {
		os.Remove(archivePath)
		return "", err
	}
	if err := verifyTarGz(archivePath); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("verifying archive: %w", err)
	}
	return archivePath, nil
}

func writeTarGz(archivePath, srcDir string) error {
	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(srcDir), path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(tw, in)
		return err
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		return fmt.Errorf("walking working directory: %w", walkErr)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}
	return gz.Close()
}

// verifyTarGz opens the archive and reads every entry to confirm it is not
// truncated or corrupt, without holding the contents in memory.
func verifyTarGz(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		_, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := io.Copy(io.Discard, tr); err != nil {
			return err
		}
	}
}
