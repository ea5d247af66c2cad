package refstore

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"refinery/internal/domain"
	"refinery/pkg/mu"

	"go.uber.org/zap"
)

const (
	customersDir = "customers"
	productsDir  = "products"
)

// Store is the durable source of truth for known-good customers and
// products. It keeps both tables fully in memory and persists one JSON file
// per entity under <dir>/customers and <dir>/products. There is no
// write-ahead log and no rollback: a crash mid-flush may leave a partial
// write, which Open tolerates by skipping unreadable entries; idempotent
// upserts make replaying the next partition safe.
//
// Lookup by email is a linear scan over the in-memory customer table. That
// is a known scalability ceiling, kept deliberately simple.
type Store struct {
	dir  string
	log  *zap.SugaredLogger
	keys *mu.MutexByKey

	mu             sync.RWMutex
	customers      map[string]domain.Customer
	products       map[string]domain.Product
	dirtyCustomers map[string]struct{}
	dirtyProducts  map[string]struct{}
}

// Open loads the full reference data set from dir, creating the layout on
// first use.
func Open(dir string, log *zap.SugaredLogger) (*Store, error) {
	s := &Store{
		dir:            dir,
		log:            log,
		keys:           mu.NewMutexByKey(),
		customers:      make(map[string]domain.Customer),
		products:       make(map[string]domain.Product),
		dirtyCustomers: make(map[string]struct{}),
		dirtyProducts:  make(map[string]struct{}),
	}
	for _, sub := range []string{customersDir, productsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir reference dir: %w", err)
		}
	}
	if err := loadDir(filepath.Join(dir, customersDir), log, func(data []byte) error {
		var c domain.Customer
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		if c.ID != "" {
			s.customers[c.ID] = c
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if err := loadDir(filepath.Join(dir, productsDir), log, func(data []byte) error {
		var p domain.Product
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		if p.SKU != "" {
			s.products[p.SKU] = p
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func loadDir(dir string, log *zap.SugaredLogger, decode func([]byte) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read reference dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read reference entry %s: %w", path, err)
		}
		if err := decode(data); err != nil {
			// Partial writes from an interrupted flush are expected; the
			// entry is re-derived from the next partition's inputs.
			log.Warnw("Skipping unreadable reference entry", "path", path, "error", err)
		}
	}
	return nil
}

func (s *Store) UpsertCustomer(c domain.Customer) {
	if c.ID == "" {
		return
	}
	lock := s.keys.GetOrCreate(customersDir + "/" + c.ID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	s.customers[c.ID] = c
	s.dirtyCustomers[c.ID] = struct{}{}
	s.mu.Unlock()
}

func (s *Store) UpsertProduct(p domain.Product) {
	if p.SKU == "" {
		return
	}
	lock := s.keys.GetOrCreate(productsDir + "/" + p.SKU)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	s.products[p.SKU] = p
	s.dirtyProducts[p.SKU] = struct{}{}
	s.mu.Unlock()
}

// UpdateCustomer runs fn on a copy of the stored customer under that
// customer's key lock. When fn reports a change, the result is upserted.
// Returns false when the id is unknown.
func (s *Store) UpdateCustomer(id string, fn func(*domain.Customer) bool) bool {
	lock := s.keys.GetOrCreate(customersDir + "/" + id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	c, ok := s.customers[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if !fn(&c) {
		return true
	}
	s.mu.Lock()
	s.customers[id] = c
	s.dirtyCustomers[id] = struct{}{}
	s.mu.Unlock()
	return true
}

func (s *Store) GetCustomer(id string) (domain.Customer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	return c, ok
}

func (s *Store) GetProduct(sku string) (domain.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[sku]
	return p, ok
}

// FindCustomersByEmail scans the whole customer table for an exact email
// match. Anonymized customers only match their rewritten address, so a
// repeated erasure request for the original email resolves by id alone.
func (s *Store) FindCustomersByEmail(email string) []domain.Customer {
	if email == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []domain.Customer
	for _, c := range s.customers {
		if c.Email == email {
			matches = append(matches, c)
		}
	}
	return matches
}

// Snapshot returns a read-only view for validation.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{store: s}
}

type Snapshot struct {
	store *Store
}

func (v Snapshot) HasProduct(sku string) bool {
	_, ok := v.store.GetProduct(sku)
	return ok
}

func (v Snapshot) HasCustomer(id string) bool {
	_, ok := v.store.GetCustomer(id)
	return ok
}

// Flush persists every entity mutated since the previous flush, one file
// per entity. Called at each batch boundary by the orchestrator and the
// streaming processor.
func (s *Store) Flush() error {
	s.mu.Lock()
	customers := make([]domain.Customer, 0, len(s.dirtyCustomers))
	for id := range s.dirtyCustomers {
		customers = append(customers, s.customers[id])
	}
	products := make([]domain.Product, 0, len(s.dirtyProducts))
	for sku := range s.dirtyProducts {
		products = append(products, s.products[sku])
	}
	s.dirtyCustomers = make(map[string]struct{})
	s.dirtyProducts = make(map[string]struct{})
	s.mu.Unlock()

	for i, c := range customers {
		if err := s.writeEntity(customersDir, c.ID, c); err != nil {
			s.remark(customers[i:], products)
			return err
		}
	}
	for i, p := range products {
		if err := s.writeEntity(productsDir, p.SKU, p); err != nil {
			s.remark(nil, products[i:])
			return err
		}
	}
	return nil
}

// remark restores the dirty marks of entities a failed flush never wrote,
// so the next flush retries them.
func (s *Store) remark(customers []domain.Customer, products []domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range customers {
		s.dirtyCustomers[c.ID] = struct{}{}
	}
	for _, p := range products {
		s.dirtyProducts[p.SKU] = struct{}{}
	}
}

func (s *Store) writeEntity(sub, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal reference entry %s/%s: %w", sub, key, err)
	}
	path := filepath.Join(s.dir, sub, url.PathEscape(key)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write reference entry %s: %w", path, err)
	}
	return nil
}
