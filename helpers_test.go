package coopsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var ctx = context.Background()

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

func quietLogger() Logger { return log.New(io.Discard) }

func testOptions() *Options {
	return &Options{RetryInterval: -1, Logger: quietLogger()}
}

func memoryBackend() Backend {
	return Backend{Store: NewMemoryStore(), Queue: NewMemoryQueue()}
}

// fakeRemote is an in-memory resource server. Objects get sequential ids.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[EntityType]map[string]map[string]any
	idem    map[string]string
	nextID  int
	calls   []string

	// errs is consumed one per call before failAll is consulted.
	errs    []error
	failAll error
	// lostResponse makes the next create succeed server-side but fail
	// client-side.
	lostResponse bool

	gate     chan struct{}
	entered  chan struct{}
	inFlight int
	maxIn    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		objects: make(map[EntityType]map[string]map[string]any),
		idem:    make(map[string]string),
	}
}

func (f *fakeRemote) begin(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.inFlight++
	if f.inFlight > f.maxIn {
		f.maxIn = f.inFlight
	}
	gate, entered := f.gate, f.entered
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	return f.failAll
}

func (f *fakeRemote) end() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeRemote) collection(t EntityType) map[string]map[string]any {
	c := f.objects[t]
	if c == nil {
		c = make(map[string]map[string]any)
		f.objects[t] = c
	}
	return c
}

func (f *fakeRemote) seed(t EntityType, id string, fields map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := map[string]any{"id": id}
	for k, v := range fields {
		obj[k] = v
	}
	f.collection(t)[id] = obj
}

func (f *fakeRemote) count(t EntityType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects[t])
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) List(_ context.Context, t EntityType) ([]json.RawMessage, error) {
	defer f.end()
	if err := f.begin("list " + string(t)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, obj := range f.objects[t] {
		b, _ := json.Marshal(obj)
		out = append(out, b)
	}
	return out, nil
}

func (f *fakeRemote) Get(_ context.Context, t EntityType, id string) (json.RawMessage, error) {
	defer f.end()
	if err := f.begin("get " + string(t) + " " + id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[t][id]
	if !ok {
		return nil, &APIError{StatusCode: 404, Message: "not found"}
	}
	b, _ := json.Marshal(obj)
	return b, nil
}

func (f *fakeRemote) Create(_ context.Context, t EntityType, body json.RawMessage, key string) (json.RawMessage, error) {
	defer f.end()
	if err := f.begin("create " + string(t)); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.idem[key]; ok && key != "" {
		b, _ := json.Marshal(f.collection(t)[id])
		return b, nil
	}
	obj := map[string]any{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, &APIError{StatusCode: 400, Message: "bad body"}
	}
	f.nextID++
	id := strconv.Itoa(f.nextID)
	obj["id"] = id
	f.collection(t)[id] = obj
	if key != "" {
		f.idem[key] = id
	}
	if f.lostResponse {
		f.lostResponse = false
		return nil, fmt.Errorf("connection reset by peer")
	}
	b, _ := json.Marshal(obj)
	return b, nil
}

func (f *fakeRemote) Update(_ context.Context, t EntityType, id string, body json.RawMessage) (json.RawMessage, error) {
	defer f.end()
	if err := f.begin("update " + string(t) + " " + id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[t][id]; !ok {
		return nil, &APIError{StatusCode: 404, Message: "not found"}
	}
	obj := map[string]any{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, &APIError{StatusCode: 400, Message: "bad body"}
	}
	obj["id"] = id
	obj["revision"] = "server"
	f.collection(t)[id] = obj
	b, _ := json.Marshal(obj)
	return b, nil
}

func (f *fakeRemote) Delete(_ context.Context, t EntityType, id string) error {
	defer f.end()
	if err := f.begin("delete " + string(t) + " " + id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[t][id]; !ok {
		return &APIError{StatusCode: 404, Message: "not found"}
	}
	delete(f.objects[t], id)
	return nil
}

// startManager builds a started manager over a memory backend.
func startManager(t *testing.T, remote RemoteAPI, signal Signal) *Manager {
	t.Helper()
	m := NewManager(memoryBackend(), remote, signal, testOptions())
	m.Start(ctx)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func mustGet(t *testing.T, s LocalStore, typ EntityType, id EntityID) *Record {
	t.Helper()
	r, err := s.Get(ctx, typ, id)
	require.NoError(t, err)
	return r
}

func eventRecorder(m *Manager, names ...EventName) func() []Event {
	var mu sync.Mutex
	var got []Event
	for _, n := range names {
		m.On(n, func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, ev)
		})
	}
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]Event(nil), got...)
	}
}
