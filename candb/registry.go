package candb

import (
	"fmt"
	"strings"
	"sync"
)

// maxConflictReport bounds the conflict list in a strict add error.
const maxConflictReport = 30

// Collision is a frame ID defined by more than one loaded database. Keys[0]
// owns the ID.
type Collision struct {
	FrameID uint32   `json:"frame_id"`
	Keys    []string `json:"keys"`
}

// CollisionObserver is told about every new collision when a database is
// added. It runs outside the registry lock.
type CollisionObserver func(c Collision, message string)

type Option func(*Registry)

func WithCollisionObserver(fn CollisionObserver) Option {
	return func(r *Registry) { r.observer = fn }
}

// WithLoader replaces the file loader, mostly for tests.
func WithLoader(l Loader) Option {
	return func(r *Registry) { r.load = l }
}

// Registry holds the databases of one session and routes each frame ID to
// the database that was loaded first among those defining it.
type Registry struct {
	mu         sync.RWMutex
	order      []string
	dbs        map[string]*Database
	routes     map[uint32]string
	collisions map[uint32][]string

	observer CollisionObserver
	load     Loader
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		dbs:        map[string]*Database{},
		routes:     map[uint32]string{},
		collisions: map[uint32][]string{},
		load:       Load,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Add parses path and registers it under its base filename.
func (r *Registry) Add(path string) (string, error) {
	key := KeyFor(path)
	if r.has(key) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	db, err := r.load(path)
	if err != nil {
		return "", err
	}
	return key, r.AddDatabase(key, db)
}

// AddDatabase registers an already parsed database.
func (r *Registry) AddDatabase(key string, db *Database) error {
	r.mu.Lock()
	if _, ok := r.dbs[key]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	fresh := r.insertLocked(key, db)
	r.mu.Unlock()

	r.notify(fresh)
	return nil
}

// AddStrict is Add but refuses a database that defines any frame ID already
// owned by another one.
func (r *Registry) AddStrict(path string) (string, error) {
	key := KeyFor(path)
	if r.has(key) {
		return "", fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	db, err := r.load(path)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dbs[key]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	var conflicts []string
	for _, id := range db.FrameIDs() {
		if owner, ok := r.routes[id]; ok {
			conflicts = append(conflicts, fmt.Sprintf("0x%X (%s)", id, owner))
		}
	}
	if len(conflicts) > 0 {
		msg := strings.Join(conflicts[:min(len(conflicts), maxConflictReport)], ", ")
		if extra := len(conflicts) - maxConflictReport; extra > 0 {
			msg += fmt.Sprintf(" and %d more", extra)
		}
		return "", fmt.Errorf("%w: %s conflicts with loaded databases: %s", ErrCollision, key, msg)
	}
	r.insertLocked(key, db)
	return key, nil
}

// Remove drops a database and rebuilds routing from the remaining ones in
// load order.
func (r *Registry) Remove(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dbs[key]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	delete(r.dbs, key)
	order := make([]string, 0, len(r.order))
	for _, k := range r.order {
		if k != key {
			order = append(order, k)
		}
	}

	r.order = nil
	r.routes = map[uint32]string{}
	r.collisions = map[uint32][]string{}
	for _, k := range order {
		r.insertLocked(k, r.dbs[k])
	}
	return nil
}

type collisionNote struct {
	c     Collision
	owner string
	added string
}

func (r *Registry) insertLocked(key string, db *Database) []collisionNote {
	r.order = append(r.order, key)
	r.dbs[key] = db

	var notes []collisionNote
	for _, id := range db.FrameIDs() {
		owner, taken := r.routes[id]
		if !taken {
			r.routes[id] = key
			continue
		}
		keys, ok := r.collisions[id]
		if !ok {
			keys = []string{owner}
		}
		keys = append(keys, key)
		r.collisions[id] = keys
		notes = append(notes, collisionNote{
			c:     Collision{FrameID: id, Keys: append([]string(nil), keys...)},
			owner: owner,
			added: key,
		})
	}
	return notes
}

func (r *Registry) notify(notes []collisionNote) {
	if r.observer == nil {
		return
	}
	for _, n := range notes {
		r.observer(n.c, fmt.Sprintf("FrameID collision 0x%X: already mapped to '%s', also in '%s'. RX decode will use '%s'.",
			n.c.FrameID, n.owner, n.added, n.owner))
	}
}

func (r *Registry) has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dbs[key]
	return ok
}

func (r *Registry) Get(key string) (*Database, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	db, ok := r.dbs[key]
	return db, ok
}

// Keys returns the loaded keys in load order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// LookupOwner returns the key that decodes frame id.
func (r *Registry) LookupOwner(id uint32) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.routes[id]
	return k, ok
}

// Resolve returns the owner key and message name of frame id in one lookup.
func (r *Registry) Resolve(id uint32) (key, name string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok = r.routes[id]
	if !ok {
		return "", "", false
	}
	if fd, found := r.dbs[key].ByID[id]; found {
		name = fd.Name
	}
	return key, name, true
}

// Collisions returns a copy of the collision record.
func (r *Registry) Collisions() map[uint32][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[uint32][]string, len(r.collisions))
	for id, keys := range r.collisions {
		out[id] = append([]string(nil), keys...)
	}
	return out
}

// MessageName returns the frame name in database key, or "".
func (r *Registry) MessageName(key string, id uint32) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	db, ok := r.dbs[key]
	if !ok {
		return ""
	}
	if fd, ok := db.ByID[id]; ok {
		return fd.Name
	}
	return ""
}

func (r *Registry) frame(key string, id uint32) (*FrameDef, error) {
	r.mu.RLock()
	db, ok := r.dbs[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return db.FrameByID(id)
}

func (r *Registry) Decode(id uint32, key string, payload []byte) (map[string]float64, error) {
	fd, err := r.frame(key, id)
	if err != nil {
		return nil, err
	}
	return fd.Decode(payload)
}

func (r *Registry) DecodeDetailed(id uint32, key string, payload []byte) ([]SignalValue, error) {
	fd, err := r.frame(key, id)
	if err != nil {
		return nil, err
	}
	return fd.DecodeDetailed(payload)
}

func (r *Registry) Encode(key string, id uint32, values map[string]float64) ([]byte, error) {
	fd, err := r.frame(key, id)
	if err != nil {
		return nil, err
	}
	return fd.Encode(values)
}

func (r *Registry) EncodeByName(key, name string, values map[string]float64) ([]byte, *FrameDef, error) {
	r.mu.RLock()
	db, ok := r.dbs[key]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return db.EncodeFrame(name, values)
}
