// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package kss

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/relabs-tech/fleetca/core/logger"
)

// LocalFilesystem is the KSS driver which stores every key as a file below a base folder
type LocalFilesystem struct {
	baseFolder string
}

// NewLocalFilesystem returns a new LocalFilesystem. The base folder gets created if needed.
func NewLocalFilesystem(config LocalConfiguration) (*LocalFilesystem, error) {
	if config.BasePath == "" {
		return nil, errors.New("BasePath must not be empty")
	}
	if err := os.MkdirAll(config.BasePath, 0700); err != nil {
		return nil, fmt.Errorf("cannot create %s: %w", config.BasePath, err)
	}
	logger.Default().Debugln("KSS local filesystem enabled in", config.BasePath)
	return &LocalFilesystem{baseFolder: config.BasePath}, nil
}

func (f *LocalFilesystem) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key '%s'", key)
	}
	return filepath.Join(f.baseFolder, filepath.FromSlash(key)), nil
}

// Upload writes data under key. The file is written to a temporary file first and then
// renamed, so readers see either the old or the new content.
func (f *LocalFilesystem) Upload(ctx context.Context, key string, data []byte) error {
	filePath, err := f.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(filePath)
	if err = os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("cannot create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write %s: %w", key, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot sync %s: %w", key, err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("cannot rename to %s: %w", filePath, err)
	}
	logger.FromContext(ctx).Debugf("Filesystem: stored key '%s' (%d bytes)", key, len(data))
	return nil
}

// Download returns the content stored under key
func (f *LocalFilesystem) Download(ctx context.Context, key string) ([]byte, error) {
	filePath, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete deletes the key file
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	filePath, err := f.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
