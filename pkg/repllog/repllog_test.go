package repllog

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amirimatin/go-filesync/pkg/clock"
	"github.com/amirimatin/go-filesync/pkg/store"
)

// memStore is an in-memory store.Store; fail makes every mutation error.
type memStore struct {
	mu    sync.Mutex
	files map[string][]byte
	ops   []string
	fail  error
}

func newMemStore() *memStore { return &memStore{files: make(map[string][]byte)} }

func (m *memStore) Write(p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.files[p] = append([]byte{}, data...)
	m.ops = append(m.ops, "w:"+p)
	return nil
}

func (m *memStore) Delete(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	delete(m.files, p)
	m.ops = append(m.ops, "d:"+p)
	return nil
}

func (m *memStore) List() ([]store.File, error) { return nil, nil }
func (m *memStore) Close() error                { return nil }

func newLog(t *testing.T, st store.Store, mod func(*Options)) *Log {
	t.Helper()
	opts := Options{Store: st, Clock: clock.NewWithSource(func() int64 { return 1000 })}
	if mod != nil {
		mod(&opts)
	}
	l, err := New(opts)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return l
}

func TestApply_AssignsContiguousSeqs(t *testing.T) {
	st := newMemStore()
	l := newLog(t, st, nil)
	for i := 0; i < 5; i++ {
		if _, err := l.Apply("f.txt", []byte{byte(i)}, false); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if _, err := l.Apply("f.txt", nil, true); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	entries := l.Entries()
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Fatalf("entry %d has seq %d", i, e.Seq)
		}
		if e.Timestamp != 1000 {
			t.Fatalf("timestamp = %d, want 1000", e.Timestamp)
		}
	}
	if l.NextSeq() != 7 {
		t.Fatalf("next seq = %d, want 7", l.NextSeq())
	}
	if _, ok := st.files["f.txt"]; ok {
		t.Fatalf("file should be deleted")
	}
}

func TestApply_StoreFailureConsumesSeq(t *testing.T) {
	st := newMemStore()
	l := newLog(t, st, nil)
	st.fail = errors.New("disk full")
	if _, err := l.Apply("a", []byte("x"), false); err == nil {
		t.Fatalf("expected error")
	}
	if l.Len() != 0 {
		t.Fatalf("no entry should be recorded on failure")
	}
	st.fail = nil
	e, err := l.Apply("a", []byte("x"), false)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if e.Seq != 2 {
		t.Fatalf("seq = %d, want 2 (seq 1 consumed by the failed apply)", e.Seq)
	}
}

func TestApply_ConcurrentKeepsLogOrdered(t *testing.T) {
	l := newLog(t, newMemStore(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Apply("c", []byte("x"), false)
		}()
	}
	wg.Wait()
	for i, e := range l.Entries() {
		if e.Seq != int64(i+1) {
			t.Fatalf("log[%d].seq = %d", i, e.Seq)
		}
	}
}

func TestIngest_OutOfOrderDrainsInSequence(t *testing.T) {
	st := newMemStore()
	l := newLog(t, st, nil)

	res, err := l.Ingest(Entry{Seq: 3, Path: "c"})
	if err != nil || res.Applied != 0 {
		t.Fatalf("seq 3: res=%+v err=%v", res, err)
	}
	res, err = l.Ingest(Entry{Seq: 1, Path: "a"})
	if err != nil || res.Applied != 1 {
		t.Fatalf("seq 1: res=%+v err=%v", res, err)
	}
	res, err = l.Ingest(Entry{Seq: 2, Path: "b"})
	if err != nil || res.Applied != 2 {
		t.Fatalf("seq 2: res=%+v err=%v", res, err)
	}

	entries := l.Entries()
	if len(entries) != 3 || entries[0].Seq != 1 || entries[1].Seq != 2 || entries[2].Seq != 3 {
		t.Fatalf("unexpected log: %+v", entries)
	}
	if len(l.Pending()) != 0 {
		t.Fatalf("buffer not empty: %v", l.Pending())
	}
	if l.NextSeq() != 4 {
		t.Fatalf("next seq = %d, want 4", l.NextSeq())
	}
	want := []string{"w:a", "w:b", "w:c"}
	for i, op := range st.ops {
		if op != want[i] {
			t.Fatalf("store ops = %v, want %v", st.ops, want)
		}
	}
}

func TestIngest_IdempotentPerSeq(t *testing.T) {
	st := newMemStore()
	l := newLog(t, st, nil)
	if _, err := l.Ingest(Entry{Seq: 1, Path: "a", Content: []byte("1")}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	res, err := l.Ingest(Entry{Seq: 1, Path: "a", Content: []byte("other")})
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if !res.Duplicate || res.Applied != 0 {
		t.Fatalf("expected duplicate, got %+v", res)
	}
	if l.NextSeq() != 2 || l.Len() != 1 || len(st.ops) != 1 {
		t.Fatalf("state changed by duplicate: next=%d len=%d ops=%v", l.NextSeq(), l.Len(), st.ops)
	}
	if string(st.files["a"]) != "1" {
		t.Fatalf("duplicate overwrote content: %q", st.files["a"])
	}
}

func TestIngest_SameSeqBufferedTwiceLastWins(t *testing.T) {
	st := newMemStore()
	l := newLog(t, st, nil)
	_, _ = l.Ingest(Entry{Seq: 2, Path: "b", Content: []byte("old")})
	_, _ = l.Ingest(Entry{Seq: 2, Path: "b", Content: []byte("new")})
	_, _ = l.Ingest(Entry{Seq: 1, Path: "a"})
	if string(st.files["b"]) != "new" {
		t.Fatalf("content = %q, want new", st.files["b"])
	}
}

func TestIngest_DeleteEntry(t *testing.T) {
	st := newMemStore()
	st.files["gone"] = []byte("x")
	l := newLog(t, st, nil)
	if _, err := l.Ingest(Entry{Seq: 1, Path: "gone", IsDelete: true}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, ok := st.files["gone"]; ok {
		t.Fatalf("expected delete applied")
	}
}

func TestIngest_RejectWhenFull(t *testing.T) {
	l := newLog(t, newMemStore(), func(o *Options) { o.MaxPending = 2 })
	_, _ = l.Ingest(Entry{Seq: 5})
	_, _ = l.Ingest(Entry{Seq: 6})
	if _, err := l.Ingest(Entry{Seq: 7}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}
	// replacing an already-buffered seq is allowed
	if _, err := l.Ingest(Entry{Seq: 6, Path: "again"}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	// the entry at nextSeq always gets in
	res, err := l.Ingest(Entry{Seq: 1})
	if err != nil || res.Applied != 1 {
		t.Fatalf("next seq refused: res=%+v err=%v", res, err)
	}
}

func TestIngest_EvictOldestWhenFull(t *testing.T) {
	now := time.Unix(0, 0)
	l := newLog(t, newMemStore(), func(o *Options) {
		o.MaxPending = 2
		o.Policy = PolicyEvictOldest
		o.Now = func() time.Time { return now }
	})
	_, _ = l.Ingest(Entry{Seq: 9})
	now = now.Add(time.Second)
	_, _ = l.Ingest(Entry{Seq: 5})
	now = now.Add(time.Second)
	res, err := l.Ingest(Entry{Seq: 7})
	if err != nil || res.Evicted != 1 {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	got := l.Pending()
	if len(got) != 2 || got[0] != 5 || got[1] != 7 {
		t.Fatalf("pending = %v, want [5 7]", got)
	}
}

func TestIngest_PrunesByAge(t *testing.T) {
	now := time.Unix(0, 0)
	l := newLog(t, newMemStore(), func(o *Options) {
		o.MaxPendingAge = time.Minute
		o.Now = func() time.Time { return now }
	})
	_, _ = l.Ingest(Entry{Seq: 4})
	now = now.Add(2 * time.Minute)
	res, _ := l.Ingest(Entry{Seq: 8})
	if res.Pruned != 1 {
		t.Fatalf("pruned = %d, want 1", res.Pruned)
	}
	if p := l.Pending(); len(p) != 1 || p[0] != 8 {
		t.Fatalf("pending = %v", p)
	}
}

func TestIngest_StoreFailureKeepsEntryBuffered(t *testing.T) {
	st := newMemStore()
	l := newLog(t, st, nil)
	st.fail = errors.New("io")
	if _, err := l.Ingest(Entry{Seq: 1, Path: "a"}); err == nil {
		t.Fatalf("expected drain error")
	}
	if l.NextSeq() != 1 || len(l.Pending()) != 1 {
		t.Fatalf("entry should remain buffered: next=%d pending=%v", l.NextSeq(), l.Pending())
	}
	st.fail = nil
	n, err := l.Drain()
	if err != nil || n != 1 || l.NextSeq() != 2 {
		t.Fatalf("drain: n=%d err=%v next=%d", n, err, l.NextSeq())
	}
}

func TestIngest_RepeatedStoreFailureIsCounted(t *testing.T) {
	st := newMemStore()
	l := newLog(t, st, nil)
	ioErr := errors.New("io")
	st.fail = ioErr

	for i := 1; i <= 3; i++ {
		_, err := l.Ingest(Entry{Seq: int64(i), Path: "a"})
		var ae *ApplyError
		if !errors.As(err, &ae) {
			t.Fatalf("ingest %d: expected ApplyError, got %v", i, err)
		}
		if ae.Seq != 1 || ae.Failures != i || !errors.Is(err, ioErr) {
			t.Fatalf("ingest %d: %+v", i, ae)
		}
	}
	if seq, n := l.Stalled(); seq != 1 || n != 3 {
		t.Fatalf("stalled = %d/%d, want 1/3", seq, n)
	}

	st.fail = nil
	if n, err := l.Drain(); err != nil || n != 3 {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	if seq, n := l.Stalled(); seq != 0 || n != 0 {
		t.Fatalf("stall must clear after a successful apply: %d/%d", seq, n)
	}
}

func TestEntriesSince(t *testing.T) {
	l := newLog(t, newMemStore(), nil)
	for i := 0; i < 4; i++ {
		_, _ = l.Apply("p", nil, false)
	}
	got := l.EntriesSince(3)
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Fatalf("entries since 3 = %+v", got)
	}
	if got := l.EntriesSince(5); len(got) != 0 {
		t.Fatalf("expected none, got %+v", got)
	}
}

func TestOnApplyCalledForLocalAndRemote(t *testing.T) {
	var seen []int64
	l := newLog(t, newMemStore(), func(o *Options) { o.OnApply = func(e Entry) { seen = append(seen, e.Seq) } })
	_, _ = l.Apply("a", nil, false)
	_, _ = l.Ingest(Entry{Seq: 3})
	_, _ = l.Ingest(Entry{Seq: 2})
	if len(seen) != 3 || seen[0] != 1 || seen[1] != 2 || seen[2] != 3 {
		t.Fatalf("OnApply order = %v", seen)
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyReject {
		t.Fatalf("empty: %v %v", p, err)
	}
	if p, err := ParsePolicy("evict-oldest"); err != nil || p != PolicyEvictOldest {
		t.Fatalf("evict: %v %v", p, err)
	}
	if _, err := ParsePolicy("drop-all"); err == nil {
		t.Fatalf("expected error")
	}
}
