// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kadirpekel/warder/pkg/utils"
)

// FileBlobs keeps uploaded document bytes as files under one directory.
type FileBlobs struct {
	dir string
}

// NewFileBlobs creates dir if needed.
func NewFileBlobs(dir string) (*FileBlobs, error) {
	dir, err := utils.EnsureDir(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upload dir: %w", err)
	}
	return &FileBlobs{dir: abs}, nil
}

// Dir returns the absolute storage directory.
func (b *FileBlobs) Dir() string { return b.dir }

// Put writes data for the document id and returns the file path.
func (b *FileBlobs) Put(ctx context.Context, id string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid blob id %q", id)
	}
	path := filepath.Join(b.dir, id)
	if err := utils.WriteFileAtomic(path, data, 0o640); err != nil {
		return "", err
	}
	return path, nil
}

// Get reads a file previously returned by Put.
func (b *FileBlobs) Get(ctx context.Context, path string) ([]byte, error) {
	if err := b.contains(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", filepath.Base(path), ErrNotFound)
	}
	return data, err
}

// Delete removes the file; a missing file is not an error.
func (b *FileBlobs) Delete(ctx context.Context, path string) error {
	if err := b.contains(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

func (b *FileBlobs) contains(path string) error {
	rel, err := filepath.Rel(b.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("path %q is outside the upload directory", path)
	}
	return nil
}
