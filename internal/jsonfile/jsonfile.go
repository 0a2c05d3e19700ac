package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/decred/slog"
)

var ErrNotFound = errors.New("json file not found")

// tempName returns the name of the temp file used while writing fname.
func tempName(fname string) string {
	return filepath.Join(filepath.Dir(fname), "."+filepath.Base(fname)+".new")
}

// encodeSynced encodes data into f and flushes it to disk.
func encodeSynced(f *os.File, data interface{}) error {
	if err := json.NewEncoder(f).Encode(data); err != nil {
		return fmt.Errorf("unable to encode json contents: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("unable to fsync temp file: %w", err)
	}
	return nil
}

// Write data in json format to a temp file, then renames the temp file to
// the passed filename. Readers never observe a partially written file.
//
// log is used to log warnings that are not fatal to the Write() operation.
func Write(fname string, data interface{}, log slog.Logger) error {
	if log == nil {
		log = slog.Disabled
	}
	if err := os.MkdirAll(filepath.Dir(fname), 0o700); err != nil {
		return fmt.Errorf("unable to create dest dir: %w", err)
	}

	tmp := tempName(fname)
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("unable to create temp file: %w", err)
	}

	err = encodeSynced(f, data)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("unable to close temp file: %w", closeErr)
	}
	if err == nil {
		if err = os.Rename(tmp, fname); err != nil {
			err = fmt.Errorf("unable to rename temp file to final file: %w", err)
		}
	}
	if err != nil {
		if remErr := RemoveIfExists(tmp); remErr != nil {
			log.Warnf("Unable to remove temp file %s: %v", tmp, remErr)
		}
	}
	return err
}

// Read the first json message from the given filename and decodes it into
// data.
func Read(fname string, data interface{}) error {
	f, err := os.Open(fname)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(data); err != nil {
		return fmt.Errorf("unable to decode %s: %w", filepath.Base(fname), err)
	}
	return nil
}

// RemoveIfExists removes the filename if it exists. If it does not exist, this
// doesn't return an error.
func RemoveIfExists(fname string) error {
	err := os.Remove(fname)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
