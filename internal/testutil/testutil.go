// Package testutil provides in-memory doubles for catalog sources, index
// sources and dispatch sinks.
package testutil

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/scenesync/scenesync/pkg/reconcile/catalog"
	"github.com/scenesync/scenesync/pkg/reconcile/dispatch"
	"github.com/scenesync/scenesync/pkg/reconcile/scene"
)

// FakeSource serves a fixed descriptor list in pages and counts List calls.
// It backs both the catalog and the index side of controller tests.
type FakeSource struct {
	ProductName string
	Scenes      []*scene.Descriptor
	Skip        []catalog.SkippedScene
	PageSize    int
	Statuses    map[string]scene.Status

	mu        sync.Mutex
	ListCalls int
}

func (f *FakeSource) Product() string {
	return f.ProductName
}

func (f *FakeSource) List(ctx context.Context, window scene.Window, cursor string) (catalog.Page, error) {
	f.mu.Lock()
	f.ListCalls++
	f.mu.Unlock()

	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = len(f.Scenes)
	}
	offset := 0
	if cursor != "" {
		offset, _ = strconv.Atoi(cursor)
	}

	page := catalog.Page{}
	if offset == 0 {
		page.Skipped = f.Skip
	}
	end := offset + pageSize
	if end > len(f.Scenes) {
		end = len(f.Scenes)
	}
	if offset < len(f.Scenes) {
		page.Descriptors = f.Scenes[offset:end]
	}
	if end < len(f.Scenes) {
		page.Next = strconv.Itoa(end)
	}
	return page, nil
}

// Status answers from the Statuses map, defaulting to unknown.
func (f *FakeSource) Status(ctx context.Context, key string) (scene.Status, error) {
	if status, ok := f.Statuses[key]; ok {
		return status, nil
	}
	return scene.StatusUnknown, nil
}

// Calls returns how many times List has been invoked.
func (f *FakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ListCalls
}

// FakeSink records sent batches and can be programmed to fail.
type FakeSink struct {
	mu       sync.Mutex
	batches  [][]dispatch.Message
	failures int
	err      error
}

// NewFakeSink creates a sink that fails its first failures Send calls with
// err and accepts everything after.
func NewFakeSink(failures int, err error) *FakeSink {
	return &FakeSink{failures: failures, err: err}
}

func (s *FakeSink) Send(ctx context.Context, batch []dispatch.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]dispatch.Message(nil), batch...))
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	return nil
}

// Batches returns a copy of every batch Send has received, including failed
// attempts.
func (s *FakeSink) Batches() [][]dispatch.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]dispatch.Message(nil), s.batches...)
}

// SentKeys returns the canonical keys of every message Send has received, in
// send order.
func (s *FakeSink) SentKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for _, batch := range s.batches {
		for _, m := range batch {
			keys = append(keys, m.CanonicalKey)
		}
	}
	return keys
}

// CatalogScene builds a catalog descriptor for tests.
func CatalogScene(key, rawID, product string, acquired time.Time) *scene.Descriptor {
	d, err := scene.NewDescriptor(key, rawID, product, "s3://catalog/"+rawID, acquired, scene.OriginCatalog)
	if err != nil {
		panic(err)
	}
	return d
}

// IndexScene builds an index descriptor for tests.
func IndexScene(key, rawID, product string, acquired time.Time, status scene.Status) *scene.Descriptor {
	d, err := scene.NewDescriptor(key, rawID, product, "s3://index/"+rawID, acquired, scene.OriginIndex, scene.WithStatus(status))
	if err != nil {
		panic(err)
	}
	return d
}
