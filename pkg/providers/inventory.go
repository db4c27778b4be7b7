package providers

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
	"github.com/reliefmesh/reliefmesh/pkg/telemetry"
)

// StaticInventory serves a fixed stock table. It is the default inventory
// source when no file is configured.
type StaticInventory struct {
	stock map[string]int
}

// DefaultStock is the built-in relief stock table.
func DefaultStock() map[string]int {
	return map[string]int{
		"Water Filters":   200,
		"Medical Kits":    50,
		"Meals":           5000,
		"Tents":           150,
		"Fuel":            10000,
		"Heavy Machinery": 2,
	}
}

// NewStaticInventory creates a static inventory. A nil stock uses the
// built-in table.
func NewStaticInventory(stock map[string]int) *StaticInventory {
	if stock == nil {
		stock = DefaultStock()
	}
	return &StaticInventory{stock: stock}
}

// Snapshot returns a copy of the stock table.
func (s *StaticInventory) Snapshot(_ context.Context) (*pipeline.InventorySnapshot, error) {
	stock := make(map[string]int, len(s.stock))
	for k, v := range s.stock {
		stock[k] = v
	}
	return &pipeline.InventorySnapshot{Stock: stock, TakenAt: time.Now().UTC()}, nil
}

// inventoryFile is the YAML shape of an inventory file.
type inventoryFile struct {
	Stock map[string]int `yaml:"stock"`
}

// FileInventory serves stock from a YAML file and, when watching is enabled,
// hot-reloads it on change. A failed reload keeps the last good snapshot.
type FileInventory struct {
	path    string
	logger  *telemetry.Logger
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	stock    map[string]int
	loadedAt time.Time
}

// NewFileInventory loads the inventory file, optionally watching it for
// changes until Close.
func NewFileInventory(path string, watch bool, logger *telemetry.Logger) (*FileInventory, error) {
	inv := &FileInventory{
		path:   path,
		logger: logger.NewComponentLogger("inventory"),
	}

	if err := inv.reload(); err != nil {
		return nil, err
	}

	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create inventory watcher: %w", err)
		}
		if err := watcher.Add(path); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch inventory file: %w", err)
		}
		inv.watcher = watcher
		go inv.watchLoop()
	}

	return inv, nil
}

// Snapshot returns a copy of the current stock table.
func (f *FileInventory) Snapshot(_ context.Context) (*pipeline.InventorySnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stock := make(map[string]int, len(f.stock))
	for k, v := range f.stock {
		stock[k] = v
	}
	return &pipeline.InventorySnapshot{Stock: stock, TakenAt: f.loadedAt}, nil
}

// Close stops the file watcher.
func (f *FileInventory) Close() error {
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

// reload reads and swaps in the file contents.
func (f *FileInventory) reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("failed to read inventory file: %w", err)
	}

	var file inventoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse inventory file: %w", err)
	}
	if len(file.Stock) == 0 {
		return fmt.Errorf("inventory file %s has no stock entries", f.path)
	}
	for resource, qty := range file.Stock {
		if qty < 0 {
			return fmt.Errorf("inventory entry %q has negative quantity %d", resource, qty)
		}
	}

	f.mu.Lock()
	f.stock = file.Stock
	f.loadedAt = time.Now().UTC()
	f.mu.Unlock()
	return nil
}

// watchLoop applies file changes until the watcher closes. Editors often
// replace rather than write in place, so the path is re-added after rename
// and remove events.
func (f *FileInventory) watchLoop() {
	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				time.Sleep(100 * time.Millisecond)
				if err := f.watcher.Add(f.path); err != nil {
					f.logger.WithError(err).Warn("Inventory file disappeared, keeping last snapshot")
					continue
				}
			}
			if err := f.reload(); err != nil {
				f.logger.WithError(err).Warn("Inventory reload failed, keeping last snapshot")
				continue
			}
			f.logger.Info("Inventory reloaded")
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.WithError(err).Warn("Inventory watcher error")
		}
	}
}
