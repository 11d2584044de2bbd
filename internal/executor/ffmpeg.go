package executor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

var ErrBinaryNotFound = errors.New("executable not found")

// FindBinary locates an external tool. The configured path wins, then a copy
// next to the working directory, then whatever PATH resolves.
func FindBinary(name, configured string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: %s is not an executable file", ErrBinaryNotFound, configured)
	}

	file := name
	if runtime.GOOS == "windows" {
		file += ".exe"
	}
	if wd, err := os.Getwd(); err == nil {
		local := filepath.Join(wd, file)
		if isExecutable(local) {
			return local, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrBinaryNotFound, name, err)
	}
	return path, nil
}

func FindFFmpeg(configured string) (string, error) {
	return FindBinary("ffmpeg", configured)
}

func FindFFprobe(configured string) (string, error) {
	return FindBinary("ffprobe", configured)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
