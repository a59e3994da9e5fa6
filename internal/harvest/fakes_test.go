package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

type scriptedPage struct {
	entries   []ListingEntry
	exhausted bool
	err       error
}

// fakeSource serves scripted pages per format; past the script it reports
// exhaustion.
type fakeSource struct {
	mu     sync.Mutex
	pages  map[string][]scriptedPage
	calls  map[string]int
	onNext func(format string, call int)
}

func newFakeSource() *fakeSource {
	return &fakeSource{pages: make(map[string][]scriptedPage), calls: make(map[string]int)}
}

func (s *fakeSource) script(format string, pages ...scriptedPage) *fakeSource {
	s.pages[format] = pages
	return s
}

func (s *fakeSource) callCount(format string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[format]
}

func (s *fakeSource) Pages(format string, _ Direction, _ int64) PageIterator {
	return &fakeIterator{src: s, format: format}
}

type fakeIterator struct {
	src    *fakeSource
	format string
	next   int
}

func (it *fakeIterator) Next(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, NewError(KindInterrupted, "list page", err)
	}
	it.src.mu.Lock()
	it.src.calls[it.format]++
	call := it.src.calls[it.format]
	script := it.src.pages[it.format]
	hook := it.src.onNext
	it.src.mu.Unlock()
	if hook != nil {
		hook(it.format, call)
	}

	number := it.next + 1
	if it.next >= len(script) {
		return Page{Number: number, Exhausted: true}, nil
	}
	p := script[it.next]
	if p.err != nil {
		return Page{}, p.err
	}
	it.next++
	return Page{Number: number, Entries: p.entries, Exhausted: p.exhausted}, nil
}

// fakeFetcher returns a small JSON document per replay unless told to fail.
type fakeFetcher struct {
	mu      sync.Mutex
	fail    map[string]error
	raw     map[string][]byte
	calls   []string
	onFetch func(id string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{fail: make(map[string]error), raw: make(map[string][]byte)}
}

func (f *fakeFetcher) FetchReplay(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	err := f.fail[id]
	raw, hasRaw := f.raw[id]
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if err := ctx.Err(); err != nil {
		return nil, NewError(KindInterrupted, "fetch replay", err)
	}
	if err != nil {
		return nil, err
	}
	if hasRaw {
		return raw, nil
	}
	return fmt.Appendf(nil, `{"id":%q}`, id), nil
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.calls...)
	sort.Strings(out)
	return out
}

// fakeBlobs is an in-memory BlobStore and ArchiveReader.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    map[string]int
	err     error
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte), puts: make(map[string]int)}
}

func (b *fakeBlobs) PutObject(_ context.Context, p, _ string, data io.Reader) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[p] = body
	b.puts[p]++
	return "mem://" + p, nil
}

func (b *fakeBlobs) ListDates(_ context.Context, format string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := map[string]bool{}
	var dates []string
	for p := range b.objects {
		parts := strings.Split(p, "/")
		if len(parts) == 3 && parts[0] == format && !seen[parts[1]] {
			seen[parts[1]] = true
			dates = append(dates, parts[1])
		}
	}
	return dates, nil
}

func (b *fakeBlobs) ListObjects(_ context.Context, format, date string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prefix := path.Join(format, date) + "/"
	var out []string
	for p := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (b *fakeBlobs) GetObject(_ context.Context, p string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[p]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (b *fakeBlobs) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.objects)
}

// fakeStore is an in-memory CheckpointStore that records every write.
type fakeStore struct {
	mu     sync.Mutex
	data   Checkpoints
	writes []Checkpoints
	err    error
}

func newFakeStore(initial Checkpoints) *fakeStore {
	if initial == nil {
		initial = Checkpoints{}
	}
	return &fakeStore{data: initial}
}

func (s *fakeStore) Load(context.Context) (Checkpoints, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone(), nil
}

func (s *fakeStore) Update(ctx context.Context, mutate func(Checkpoints) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	next := s.data.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	s.data = next
	s.writes = append(s.writes, maps.Clone(next))
	return nil
}

func (s *fakeStore) snapshot() Checkpoints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []any
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, payload)
	return fmt.Sprintf("msg-%d", len(p.messages)), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func entry(id string, ts int64) ListingEntry {
	return ListingEntry{ReplayID: id, Timestamp: ts}
}

func page(entries ...ListingEntry) scriptedPage {
	return scriptedPage{entries: entries}
}

func lastPage(entries ...ListingEntry) scriptedPage {
	return scriptedPage{entries: entries, exhausted: true}
}
