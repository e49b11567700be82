package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const extension = ".json"

// collection stores one JSON document per record under root/<name>.
type collection[T any] struct {
	mu  sync.Mutex
	dir string
}

func newCollection[T any](root, name string) *collection[T] {
	return &collection[T]{dir: filepath.Join(root, name)}
}

// validateID validates that the id is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return errors.New("id cannot be empty")
	}

	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return errors.New("id contains invalid characters")
	}

	return nil
}

// write must be called with mu held.
func (c *collection[T]) write(id string, record *T) error {
	if err := validateID(id); err != nil {
		return err
	}

	if err := os.MkdirAll(c.dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.dir, err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", id, err)
	}

	path := filepath.Join(c.dir, id+extension)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write record %s: %w", id, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit record %s: %w", id, err)
	}

	return nil
}

// read returns (nil, nil) when the record does not exist. Must be called with mu held.
func (c *collection[T]) read(id string) (*T, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(c.dir, id+extension))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read record %s: %w", id, err)
	}

	var record T
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}

	return &record, nil
}

// ids lists the stored record ids. Must be called with mu held.
func (c *collection[T]) ids() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read directory %s: %w", c.dir, err)
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), extension) {
			continue
		}

		ids = append(ids, strings.TrimSuffix(entry.Name(), extension))
	}

	return ids, nil
}

// all loads every record. Must be called with mu held.
func (c *collection[T]) all() ([]*T, error) {
	ids, err := c.ids()
	if err != nil {
		return nil, err
	}

	records := make([]*T, 0, len(ids))
	for _, id := range ids {
		record, err := c.read(id)
		if err != nil {
			return nil, err
		}

		if record != nil {
			records = append(records, record)
		}
	}

	return records, nil
}

// nextID returns one more than the highest numeric id stored. Must be called with mu held.
func (c *collection[T]) nextID() (int64, error) {
	ids, err := c.ids()
	if err != nil {
		return 0, err
	}

	var highest int64

	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err == nil && n > highest {
			highest = n
		}
	}

	return highest + 1, nil
}

func key(id int64) string {
	return strconv.FormatInt(id, 10)
}
