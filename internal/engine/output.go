package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// stagedOutputPath is where drapto-style engines write: the input stem with
// an .mkv extension inside outputDir.
func stagedOutputPath(inputPath, outputDir string) string {
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	return filepath.Join(strings.TrimSpace(outputDir), stem+".mkv")
}

// finalizeOutput moves the engine's output to the job's destination.
func finalizeOutput(staged, destination string) (string, error) {
	if staged == destination {
		return destination, nil
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", fmt.Errorf("create destination directory: %w", err)
	}
	if err := os.Rename(staged, destination); err == nil {
		return destination, nil
	} else if !isCrossDevice(err) {
		return "", fmt.Errorf("move output: %w", err)
	}
	if err := copyFile(staged, destination); err != nil {
		return "", err
	}
	_ = os.Remove(staged)
	return destination, nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy output: %w", err)
	}
	return out.Close()
}

func fileSize(path string) uint64 {
	info, err := os.Stat(path)
	if err != nil || info.Size() < 0 {
		return 0
	}
	return uint64(info.Size())
}
