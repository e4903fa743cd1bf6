package uploadqueue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yokitheyo/qms-uploader/internal/model"
)

type uploadFunc func(ctx context.Context, file model.FileRef, call int, onProgress func(int)) (*model.UploadReceipt, error)

// fakeTransport records calls and detects overlapping uploads of one file.
type fakeTransport struct {
	mu      sync.Mutex
	fn      uploadFunc
	calls   map[string]int
	running map[string]int
	total   int
	overlap bool
}

func newFakeTransport(fn uploadFunc) *fakeTransport {
	return &fakeTransport{fn: fn, calls: make(map[string]int), running: make(map[string]int)}
}

func (f *fakeTransport) Upload(ctx context.Context, file model.FileRef, onProgress func(int)) (*model.UploadReceipt, error) {
	f.mu.Lock()
	f.calls[file.Name]++
	f.total++
	call := f.calls[file.Name]
	f.running[file.Name]++
	if f.running[file.Name] > 1 {
		f.overlap = true
	}
	fn := f.fn
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running[file.Name]--
		f.mu.Unlock()
	}()
	return fn(ctx, file, call, onProgress)
}

func (f *fakeTransport) setFunc(fn uploadFunc) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeTransport) callsFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeTransport) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeTransport) sawOverlap() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlap
}

type pollFunc func(ctx context.Context, taskID string, call int) (*model.TaskStatus, error)

type fakePoller struct {
	mu    sync.Mutex
	fn    pollFunc
	calls map[string]int
	total int
}

func newFakePoller(fn pollFunc) *fakePoller {
	return &fakePoller{fn: fn, calls: make(map[string]int)}
}

func (p *fakePoller) GetStatus(ctx context.Context, taskID string) (*model.TaskStatus, error) {
	p.mu.Lock()
	p.calls[taskID]++
	p.total++
	call := p.calls[taskID]
	fn := p.fn
	p.mu.Unlock()
	return fn(ctx, taskID, call)
}

func (p *fakePoller) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

func acceptUpload(_ context.Context, file model.FileRef, call int, onProgress func(int)) (*model.UploadReceipt, error) {
	onProgress(100)
	return &model.UploadReceipt{TaskID: fmt.Sprintf("%s#%d", file.Name, call), Filename: file.Name, Status: model.RemotePending}, nil
}

func failUpload(context.Context, model.FileRef, int, func(int)) (*model.UploadReceipt, error) {
	return nil, fmt.Errorf("connection reset by peer")
}

func completeTask(_ context.Context, taskID string, _ int) (*model.TaskStatus, error) {
	return &model.TaskStatus{
		TaskID:   taskID,
		Status:   model.RemoteCompleted,
		Progress: 100,
		Result:   &model.ProcessResult{DocumentID: "doc-" + taskID, ChunksCount: 4},
	}, nil
}

func processingForever(_ context.Context, taskID string, _ int) (*model.TaskStatus, error) {
	return &model.TaskStatus{TaskID: taskID, Status: model.RemoteProcessing, Progress: 40, CurrentStep: "chunking"}, nil
}

// gate blocks uploads of a given file until released.
type gate struct {
	mu sync.Mutex
	ch map[string]chan struct{}
}

func newGate() *gate { return &gate{ch: make(map[string]chan struct{})} }

func (g *gate) wait(ctx context.Context, name string) error {
	select {
	case <-g.get(name):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) get(name string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.ch[name]
	if !ok {
		c = make(chan struct{})
		g.ch[name] = c
	}
	return c
}

func (g *gate) open(name string) { close(g.get(name)) }

func testOptions() Options {
	return Options{
		MaxConcurrency:    3,
		MaxRetries:        3,
		AutoRetry:         true,
		RetryDelay:        10 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		ProcessingTimeout: 2 * time.Second,
		CompletedLimit:    50,
	}
}

func newTestManager(t *testing.T, opts Options, tr Transport, p StatusPoller) *Manager {
	t.Helper()
	m := New(tr, p, opts)
	t.Cleanup(m.Close)
	return m
}

func files(names ...string) []model.FileRef {
	refs := make([]model.FileRef, len(names))
	for i, n := range names {
		refs[i] = model.FileRef{Name: n, Path: "/staging/" + n, Size: 1024, ContentType: "application/pdf"}
	}
	return refs
}

func waitState(t *testing.T, m *Manager, id string, want model.ItemState) model.UploadItem {
	t.Helper()
	var it model.UploadItem
	require.Eventually(t, func() bool {
		got, err := m.Get(id)
		if err != nil {
			return false
		}
		it = got
		return got.State == want
	}, 3*time.Second, 2*time.Millisecond, "item %s never reached %s", id, want)
	return it
}

func countStates(items []model.UploadItem) map[model.ItemState]int {
	counts := make(map[model.ItemState]int)
	for _, it := range items {
		counts[it.State]++
	}
	return counts
}
