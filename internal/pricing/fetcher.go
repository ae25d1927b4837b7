package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/aguerosoft/parksync/internal/metrics"
	"github.com/aguerosoft/parksync/internal/storage"
)

// The tariff table comes in two independent buckets, one per payment method
// family. Each bucket maps a vehicle category ("auto", "moto", ...) to its
// tariff-tier prices ("hora", "dia", ...).
const (
	BucketCash  = "efectivo"
	BucketOther = "otros_medios"
)

type Table map[string]map[string]float64

// TarifasCollection is the local-store mirror of the price catalog, readable
// by the business layer even when both the HTTP source and the central store
// are down.
const TarifasCollection = "tarifas"

// Fetcher is an HTTP read-through cache: memory (short TTL) over a durable
// on-disk JSON file over the two bucket endpoints. Availability of prices is
// independent of both document stores.
type Fetcher struct {
	urls      map[string]string
	cacheFile string
	ttl       time.Duration
	httpc     *http.Client
	local     storage.Store

	now func() time.Time

	mu        sync.Mutex
	tables    map[string]Table
	fetchedAt map[string]time.Time
	refreshed time.Time
}

func New(cashURL, otherURL, cacheFile string, ttl, timeout time.Duration, local storage.Store) *Fetcher {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		urls:      map[string]string{BucketCash: cashURL, BucketOther: otherURL},
		cacheFile: cacheFile,
		ttl:       ttl,
		httpc:     &http.Client{Timeout: timeout},
		local:     local,
		now:       time.Now,
		tables:    map[string]Table{},
		fetchedAt: map[string]time.Time{},
	}
}

// Get serves a bucket from memory while within the TTL, refreshing both
// buckets otherwise. A bucket whose fetch fails falls back to its own
// last-good cached table, so Get only errors when a bucket has never been
// seen from any source.
func (f *Fetcher) Get(ctx context.Context, bucket string) (Table, error) {
	if _, ok := f.urls[bucket]; !ok {
		return nil, fmt.Errorf("unknown price bucket %q", bucket)
	}

	f.mu.Lock()
	fresh := !f.refreshed.IsZero() && f.now().Sub(f.refreshed) < f.ttl
	t, have := f.tables[bucket]
	f.mu.Unlock()

	if fresh && have {
		return t, nil
	}
	f.Refresh(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[bucket]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("no price data for bucket %q", bucket)
}

// Refresh fetches both buckets in parallel. Per-bucket failures fall back to
// the on-disk cache; only freshly fetched buckets are persisted, and the
// local-store mirror deletes stale rows only when both buckets came back
// fresh in this same cycle, so a half-successful fetch can never erase good
// cached prices.
func (f *Fetcher) Refresh(ctx context.Context) {
	type result struct {
		bucket string
		table  Table
		err    error
	}

	results := make([]result, 0, len(f.urls))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for bucket, url := range f.urls {
		wg.Add(1)
		go func(bucket, url string) {
			defer wg.Done()
			t, err := f.fetchBucket(ctx, url)
			mu.Lock()
			results = append(results, result{bucket: bucket, table: t, err: err})
			mu.Unlock()
		}(bucket, url)
	}
	wg.Wait()

	disk := f.loadDisk()
	freshCount := 0
	persist := map[string]Table{}

	f.mu.Lock()
	for _, r := range results {
		if r.err != nil {
			metrics.PriceFetchFailures.WithLabelValues(r.bucket).Inc()
			if _, have := f.tables[r.bucket]; !have {
				if cached, ok := disk[r.bucket]; ok {
					f.tables[r.bucket] = cached
				}
			}
			continue
		}
		freshCount++
		f.tables[r.bucket] = r.table
		f.fetchedAt[r.bucket] = f.now().UTC()
		persist[r.bucket] = r.table
	}
	f.refreshed = f.now()
	bothFresh := freshCount == len(f.urls)
	f.mu.Unlock()

	if len(persist) > 0 {
		for b, t := range persist {
			disk[b] = t
		}
		if err := f.writeDisk(disk); err != nil {
			metrics.PriceCacheWriteFailures.Inc()
		}
	}
	if f.local != nil && len(persist) > 0 {
		f.mirror(ctx, persist, bothFresh)
	}
}

// FetchedAt reports when each bucket last came back fresh from HTTP; zero for
// buckets served purely from cache since process start.
func (f *Fetcher) FetchedAt() map[string]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time, len(f.fetchedAt))
	for k, v := range f.fetchedAt {
		out[k] = v
	}
	return out
}

// Bucket endpoints historically returned either the bare table or an
// {"data": {...}} envelope.
type bucketResp struct {
	Data map[string]map[string]float64 `json:"data"`
}

func (f *Fetcher) fetchBucket(ctx context.Context, url string) (Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("price endpoint http %d", resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	var table map[string]map[string]float64
	if data, ok := raw["data"]; ok && len(raw) == 1 {
		if err := json.Unmarshal(data, &table); err != nil {
			return nil, errors.Wrap(err, "decode envelope")
		}
	} else {
		table = map[string]map[string]float64{}
		for k, v := range raw {
			var tiers map[string]float64
			if err := json.Unmarshal(v, &tiers); err != nil {
				return nil, errors.Wrapf(err, "decode category %s", k)
			}
			table[k] = tiers
		}
	}
	return normalizeKeys(table), nil
}

func normalizeKeys(in map[string]map[string]float64) Table {
	out := make(Table, len(in))
	for cat, tiers := range in {
		nt := make(map[string]float64, len(tiers))
		for tier, price := range tiers {
			nt[normKey(tier)] = price
		}
		out[normKey(cat)] = nt
	}
	return out
}

func normKey(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}

func (f *Fetcher) loadDisk() map[string]Table {
	out := map[string]Table{}
	if f.cacheFile == "" {
		return out
	}
	data, err := os.ReadFile(f.cacheFile)
	if err != nil {
		return out
	}
	var file map[string]map[string]map[string]float64
	if err := json.Unmarshal(data, &file); err != nil {
		return out
	}
	for bucket, table := range file {
		out[bucket] = normalizeKeys(table)
	}
	return out
}

// writeDisk replaces the cache file atomically (temp file + rename) and keeps
// the previous version as a rolling .bak.
func (f *Fetcher) writeDisk(disk map[string]Table) error {
	if f.cacheFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(disk, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal price cache")
	}
	if err := os.MkdirAll(filepath.Dir(f.cacheFile), 0o755); err != nil {
		return errors.Wrap(err, "create cache dir")
	}
	tmp := f.cacheFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write temp cache")
	}
	if _, err := os.Stat(f.cacheFile); err == nil {
		_ = os.Rename(f.cacheFile, f.cacheFile+".bak")
	}
	if err := os.Rename(tmp, f.cacheFile); err != nil {
		return errors.Wrap(err, "replace cache file")
	}
	return nil
}

// mirror upserts the fetched buckets into the tarifas collection. Rows absent
// from the fetch are deleted only when both buckets were fetched fresh in the
// same cycle.
func (f *Fetcher) mirror(ctx context.Context, fetched map[string]Table, bothFresh bool) {
	for bucket, table := range fetched {
		cats := make(bson.A, 0, len(table))
		for cat, tiers := range table {
			cats = append(cats, cat)
			precios := bson.M{}
			for tier, price := range tiers {
				precios[tier] = price
			}
			filter := bson.M{"medio": bucket, "categoria": cat}
			update := bson.M{"$set": bson.M{"precios": precios, "updatedAt": f.now().UTC()}}
			if err := f.local.Update(ctx, TarifasCollection, filter, update, true); err != nil {
				metrics.PriceFetchFailures.WithLabelValues(bucket).Inc()
				return
			}
		}
		if bothFresh {
			_, _ = f.local.DeleteMany(ctx, TarifasCollection, bson.M{
				"medio":     bucket,
				"categoria": bson.M{"$nin": cats},
			})
		}
	}
}
