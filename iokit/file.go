// Package iokit provides filesystem helpers for tools that rewrite
// binary files in place.
package iokit

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
)

const defaultTempSuffix = ".tmp"

// ReplaceFileConfig configures a call to ReplaceFile.
type ReplaceFileConfig struct {
	// Path is the file to replace.
	Path string

	// Data is the replacement file's full content.
	Data []byte

	// OptTempSuffix optionally overrides the suffix appended to
	// Path to name the sibling temporary file. Defaults to ".tmp".
	OptTempSuffix string

	// OptLogger, when non-nil, logs the temporary file write and
	// the rename.
	OptLogger *log.Logger
}

// ReplaceFile atomically replaces the file at config.Path with
// config.Data by writing the data to a sibling temporary file and
// renaming it over the original. The original file is never left
// partially written: either the rename succeeds and the new content
// fully replaces the old, or the original content remains.
//
// If the original file exists, its permission bits carry over to the
// replacement. Otherwise the replacement is created with mode 0644.
// The temporary file is removed if any step fails.
//
// Atomicity relies on the filesystem providing atomic
// rename-over-existing-file semantics.
func ReplaceFile(config ReplaceFileConfig) error {
	if config.Path == "" {
		return errors.New("path is empty")
	}

	mode := fs.FileMode(0644)

	info, err := os.Stat(config.Path)
	switch {
	case err == nil:
		mode = info.Mode().Perm()
	case errors.Is(err, fs.ErrNotExist):
		// The replacement becomes a new file.
	default:
		return fmt.Errorf("failed to stat original file - %w", err)
	}

	suffix := config.OptTempSuffix
	if suffix == "" {
		suffix = defaultTempSuffix
	}

	tempPath := config.Path + suffix

	err = os.WriteFile(tempPath, config.Data, mode)
	if err != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("failed to write temporary file - %w", err)
	}

	if config.OptLogger != nil {
		config.OptLogger.Printf("iokit.replacefile: wrote %d bytes to '%s'",
			len(config.Data), tempPath)
	}

	err = os.Rename(tempPath, config.Path)
	if err != nil {
		_ = os.Remove(tempPath)

		return fmt.Errorf("failed to rename temporary file over original - %w", err)
	}

	if config.OptLogger != nil {
		config.OptLogger.Printf("iokit.replacefile: renamed '%s' to '%s'",
			tempPath, config.Path)
	}

	return nil
}

// ReplaceFileOrExit calls ReplaceFile. It calls DefaultExitFn if an
// error occurs.
func ReplaceFileOrExit(config ReplaceFileConfig) {
	err := ReplaceFile(config)
	if err != nil {
		DefaultExitFn(fmt.Errorf("iokit.replacefile: failed to replace '%s' - %w",
			config.Path, err))
	}
}
