// Package listcache is a persisted stale-while-revalidate cache for a
// remote collection.
//
// Reads always answer from the cache at once. When the cached list or
// item is missing or older than the refresh interval, the same read
// starts a background refresh. Items exist in two forms: the short form
// streamed by list pages and the full form fetched one at a time. Short
// data merges into a full entry without dropping the fields only the full
// form carries.
//
// Concurrent refreshes of the list, or of one item, share a single
// in-flight fetch.
package listcache

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/labrun/internal/clock"
)

// Item is one record of the collection as a JSON object.
type Item = map[string]any

// Persister stores the cache between runs. *localstore.Store implements
// it.
type Persister interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	PutJSON(ctx context.Context, key string, v any) error
	Delete(ctx context.Context, key string) error
}

// Config describes the collection behind a Cache.
type Config struct {
	// Name keys the persisted state.
	Name string

	// FetchList streams the collection in batches of short items.
	FetchList func(ctx context.Context) iter.Seq2[[]Item, error]

	// FetchItem fetches the full form of one item.
	FetchItem func(ctx context.Context, id string) (Item, error)

	// ItemID extracts an item's id. Defaults to the "id" field.
	ItemID func(Item) string

	// Less orders List results. Defaults to ascending id.
	Less func(a, b Item) int

	// MinRefreshInterval is how old cached data may get before a read
	// triggers a refresh.
	MinRefreshInterval time.Duration

	// Store persists the cache. Nil keeps it in memory only.
	Store Persister

	// Clock stamps refreshes. Defaults to wall time.
	Clock clock.Clock
}

// entry is one cached item as persisted.
type entry struct {
	Data      Item  `json:"data"`
	Timestamp int64 `json:"timestamp"`
	IsFull    bool  `json:"isFull"`
}

// MissingFieldsError rejects an update that would drop fields of a full
// item.
type MissingFieldsError struct {
	ID     string
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "updateItem: provided item is missing the following fields: " + strings.Join(e.Fields, ", ")
}

// ItemState describes one cached item.
type ItemState struct {
	Item      Item
	Full      bool
	Timestamp time.Time
	Loading   bool
	Err       error
}

// Cache is a stale-while-revalidate cache over one collection.
//
// Thread-safety: safe for concurrent use.
type Cache struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group
	wg     sync.WaitGroup

	mu          sync.Mutex
	entries     map[string]*entry
	listStamp   int64
	listLoading bool
	listErr     error
	loading     map[string]bool
	itemErr     map[string]error
}

// New creates a cache and loads any persisted state.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("listcache: name is required")
	}
	if cfg.FetchList == nil || cfg.FetchItem == nil {
		return nil, fmt.Errorf("listcache %s: FetchList and FetchItem are required", cfg.Name)
	}
	if cfg.ItemID == nil {
		cfg.ItemID = defaultID
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Cache{
		cfg:     cfg,
		ctx:     base,
		cancel:  cancel,
		entries: make(map[string]*entry),
		loading: make(map[string]bool),
		itemErr: make(map[string]error),
	}
	if err := c.load(ctx); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

func defaultID(it Item) string {
	if id, ok := it["id"].(string); ok {
		return id
	}
	return fmt.Sprint(it["id"])
}

func (c *Cache) entriesKey() string { return "asyncListCache:" + c.cfg.Name }

func (c *Cache) stampKey() string { return "asyncListCache:" + c.cfg.Name + ":timestamp" }

func (c *Cache) load(ctx context.Context) error {
	if c.cfg.Store == nil {
		return nil
	}
	var entries map[string]*entry
	if _, err := c.cfg.Store.GetJSON(ctx, c.entriesKey(), &entries); err != nil {
		return fmt.Errorf("load list cache %s: %w", c.cfg.Name, err)
	}
	var stamp int64
	if _, err := c.cfg.Store.GetJSON(ctx, c.stampKey(), &stamp); err != nil {
		return fmt.Errorf("load list cache %s timestamp: %w", c.cfg.Name, err)
	}
	for id, e := range entries {
		if e != nil && e.Data != nil {
			c.entries[id] = e
		}
	}
	c.listStamp = stamp
	slog.Debug("list cache loaded", "cache", c.cfg.Name, "items", len(c.entries))
	return nil
}

// persistLocked writes the cache through. Failures are logged.
func (c *Cache) persistLocked() {
	itemsGauge.WithLabelValues(c.cfg.Name).Set(float64(len(c.entries)))
	if c.cfg.Store == nil {
		return
	}
	ctx := context.WithoutCancel(c.ctx)
	if err := c.cfg.Store.PutJSON(ctx, c.entriesKey(), c.entries); err != nil {
		slog.Error("persist list cache failed", "cache", c.cfg.Name, "error", err)
	}
	var err error
	if c.listStamp == 0 {
		err = c.cfg.Store.Delete(ctx, c.stampKey())
	} else {
		err = c.cfg.Store.PutJSON(ctx, c.stampKey(), c.listStamp)
	}
	if err != nil {
		slog.Error("persist list cache timestamp failed", "cache", c.cfg.Name, "error", err)
	}
}

func (c *Cache) now() int64 {
	return clock.UnixMilli(c.cfg.Clock)
}

func (c *Cache) stale(stamp int64) bool {
	return c.now()-stamp >= c.cfg.MinRefreshInterval.Milliseconds()
}

// List returns the cached items. If the cache is empty, has never been
// refreshed, or is older than MinRefreshInterval, a background refresh
// starts.
func (c *Cache) List() []Item {
	c.mu.Lock()
	needs := len(c.entries) == 0 || c.listStamp == 0 || c.stale(c.listStamp)
	busy := c.listLoading
	items := c.itemsLocked()
	c.mu.Unlock()

	if needs && !busy {
		c.background("list", func(ctx context.Context) error { return c.RefreshList(ctx) })
	}
	return items
}

func (c *Cache) itemsLocked() []Item {
	out := make([]Item, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, maps.Clone(e.Data))
	}
	less := c.cfg.Less
	if less == nil {
		less = func(a, b Item) int { return strings.Compare(c.cfg.ItemID(a), c.cfg.ItemID(b)) }
	}
	slices.SortStableFunc(out, less)
	return out
}

// ListAsync refreshes the list and returns it.
func (c *Cache) ListAsync(ctx context.Context) ([]Item, error) {
	if err := c.RefreshList(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.itemsLocked(), nil
}

// ListTimestamp returns when the list was last refreshed.
func (c *Cache) ListTimestamp() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listStamp == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(c.listStamp), true
}

// ListLoading reports whether a list refresh is in flight.
func (c *Cache) ListLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listLoading
}

// ListErr returns the error of the last list refresh.
func (c *Cache) ListErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listErr
}

// RefreshList streams the whole collection into the cache, ignoring the
// refresh interval. A caller arriving while a refresh runs waits for it
// instead of starting another.
func (c *Cache) RefreshList(ctx context.Context) error {
	_, err, shared := c.group.Do("list", func() (any, error) {
		return nil, c.refreshList(ctx)
	})
	if shared {
		slog.Debug("joined in-flight list refresh", "cache", c.cfg.Name)
	}
	return err
}

func (c *Cache) refreshList(ctx context.Context) (err error) {
	c.mu.Lock()
	c.listLoading = true
	c.listErr = nil
	c.mu.Unlock()

	started := c.now()
	defer func() {
		c.mu.Lock()
		c.listLoading = false
		if err != nil {
			c.listErr = err
		} else {
			c.listStamp = started
		}
		c.persistLocked()
		c.mu.Unlock()
		observeRefresh(c.cfg.Name, "list", err)
	}()

	for batch, ferr := range c.cfg.FetchList(ctx) {
		if ferr != nil {
			return fmt.Errorf("refresh %s list: %w", c.cfg.Name, ferr)
		}
		c.mergeBatch(batch)
	}
	return nil
}

// mergeBatch folds short items into the cache. Full entries keep their
// extra fields and timestamp.
func (c *Cache) mergeBatch(batch []Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, it := range batch {
		id := c.cfg.ItemID(it)
		if existing, ok := c.entries[id]; ok && existing.IsFull {
			merged := maps.Clone(existing.Data)
			maps.Copy(merged, it)
			existing.Data = merged
			continue
		}
		c.entries[id] = &entry{Data: maps.Clone(it), Timestamp: now}
	}
}

// Item returns the cached form of id, which may be short or missing. If
// the item is missing, short, or stale, a background fetch of the full
// form starts.
func (c *Cache) Item(id string) ItemState {
	c.mu.Lock()
	e, ok := c.entries[id]
	needs := !ok || !e.IsFull || c.stale(e.Timestamp)
	st := c.itemStateLocked(id)
	c.mu.Unlock()

	if needs {
		c.background("item:"+id, func(ctx context.Context) error { return c.RefreshItem(ctx, id) })
	}
	return st
}

func (c *Cache) itemStateLocked(id string) ItemState {
	st := ItemState{Loading: c.loading[id], Err: c.itemErr[id]}
	if e, ok := c.entries[id]; ok {
		st.Item = maps.Clone(e.Data)
		st.Full = e.IsFull
		st.Timestamp = time.UnixMilli(e.Timestamp)
	}
	return st
}

// ItemAsync fetches the full form of id and returns it.
func (c *Cache) ItemAsync(ctx context.Context, id string) (Item, error) {
	if err := c.RefreshItem(ctx, id); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || !e.IsFull {
		return nil, fmt.Errorf("problem refreshing item %s", id)
	}
	return maps.Clone(e.Data), nil
}

// RefreshItem fetches the full form of id. Concurrent calls for the same
// id share one fetch.
func (c *Cache) RefreshItem(ctx context.Context, id string) error {
	_, err, _ := c.group.Do("item:"+id, func() (any, error) {
		return nil, c.refreshItem(ctx, id)
	})
	return err
}

func (c *Cache) refreshItem(ctx context.Context, id string) (err error) {
	c.mu.Lock()
	c.loading[id] = true
	delete(c.itemErr, id)
	c.mu.Unlock()

	started := c.now()
	item, ferr := c.cfg.FetchItem(ctx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.loading, id)
	if ferr != nil {
		err = fmt.Errorf("refresh %s item %s: %w", c.cfg.Name, id, ferr)
		c.itemErr[id] = err
	} else {
		c.entries[id] = &entry{Data: maps.Clone(item), Timestamp: started, IsFull: true}
		c.persistLocked()
	}
	observeRefresh(c.cfg.Name, "item", err)
	return err
}

// UpdateItem stores item as the full form. When a full form is already
// cached, item must carry every field it has. A zero timestamp keeps the
// existing entry's timestamp, or uses now for a new entry.
func (c *Cache) UpdateItem(item Item, timestamp time.Time) error {
	id := c.cfg.ItemID(item)

	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.entries[id]
	if ok && existing.IsFull {
		var missing []string
		for k := range existing.Data {
			if _, has := item[k]; !has {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			slices.Sort(missing)
			return &MissingFieldsError{ID: id, Fields: missing}
		}
	}

	stamp := timestamp.UnixMilli()
	switch {
	case !timestamp.IsZero():
	case ok:
		stamp = existing.Timestamp
	default:
		stamp = c.now()
	}
	c.entries[id] = &entry{Data: maps.Clone(item), Timestamp: stamp, IsFull: true}
	c.persistLocked()
	return nil
}

// DeleteItem removes id from the cache.
func (c *Cache) DeleteItem(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	delete(c.itemErr, id)
	c.persistLocked()
	c.mu.Unlock()
	c.group.Forget("item:" + id)
}

// Clear empties the cache and forgets the list timestamp.
func (c *Cache) Clear() {
	c.mu.Lock()
	clear(c.entries)
	clear(c.itemErr)
	c.listStamp = 0
	c.listErr = nil
	c.persistLocked()
	c.mu.Unlock()
}

// background runs fn on the cache's own context and logs failures.
func (c *Cache) background(key string, fn func(ctx context.Context) error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(c.ctx); err != nil && c.ctx.Err() == nil {
			slog.Error("background refresh failed", "cache", c.cfg.Name, "key", key, "error", err)
		}
	}()
}

// Wait blocks until background refreshes started so far have finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// Close cancels background refreshes and waits for them.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}
