package upload

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bitrise-io/go-chunkupload/upload/hasher"
	"github.com/bitrise-io/go-chunkupload/upload/network"
	"github.com/bitrise-io/go-utils/v2/analytics"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

// fakeSession is an in-memory upload service. Stored chunks survive failed attempts.
type fakeSession struct {
	mu sync.Mutex

	nextID   int
	stored   map[string]map[int]string
	inits    []network.InitRequest
	statuses []string
	puts     []int
	complete []network.CompleteRequest
	cleanups []string

	initErr     error
	statusErr   error
	completeErr error
	cleanupErr  error
	putErr      func(index int) error

	// onComplete runs before Complete is recorded.
	onComplete func()
}

func newFakeSession() *fakeSession {
	return &fakeSession{stored: map[string]map[int]string{}}
}

func (f *fakeSession) Init(_ context.Context, req network.InitRequest) (network.InitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inits = append(f.inits, req)
	if f.initErr != nil {
		return network.InitResponse{}, f.initErr
	}

	f.nextID++
	uploadID := fmt.Sprintf("upload-%d", f.nextID)
	f.stored[uploadID] = map[int]string{}
	return network.InitResponse{UploadID: uploadID, ChunkSize: 2 * 1024 * 1024}, nil
}

func (f *fakeSession) Status(_ context.Context, uploadID string) (network.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statuses = append(f.statuses, uploadID)
	if f.statusErr != nil {
		return network.StatusResponse{}, f.statusErr
	}

	chunks, ok := f.stored[uploadID]
	if !ok {
		return network.StatusResponse{}, fmt.Errorf("%w: %s", network.ErrUnknownUpload, uploadID)
	}

	response := network.StatusResponse{Chunks: []int{}}
	for index := range chunks {
		response.Chunks = append(response.Chunks, index)
	}
	sort.Ints(response.Chunks)
	return response, nil
}

func (f *fakeSession) PutChunk(_ context.Context, req network.PutChunkRequest) error {
	f.mu.Lock()
	putErr := f.putErr
	f.mu.Unlock()

	if putErr != nil {
		if err := putErr(req.ChunkIndex); err != nil {
			return err
		}
	}

	if hasher.Bytes(req.Data) != req.ChunkHash {
		return fmt.Errorf("chunk %d hash mismatch", req.ChunkIndex)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, req.ChunkIndex)
	f.stored[req.UploadID][req.ChunkIndex] = req.ChunkHash
	return nil
}

func (f *fakeSession) Complete(_ context.Context, req network.CompleteRequest) (network.CompleteResponse, error) {
	if f.onComplete != nil {
		f.onComplete()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.complete = append(f.complete, req)
	if f.completeErr != nil {
		return network.CompleteResponse{}, f.completeErr
	}
	return network.CompleteResponse{Success: true, File: req.Filename, Verified: true, Hash: req.FileHash}, nil
}

func (f *fakeSession) Cleanup(_ context.Context, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cleanups = append(f.cleanups, uploadID)
	return f.cleanupErr
}

func (f *fakeSession) putIndices() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	indices := append([]int{}, f.puts...)
	sort.Ints(indices)
	return indices
}

// recordingObserver keeps every notification of an attempt.
type recordingObserver struct {
	mu       sync.Mutex
	states   []State
	hashing  []hasher.Progress
	progress []Progress

	onProgress func(Progress)
}

func (o *recordingObserver) OnState(state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) OnHashProgress(progress hasher.Progress) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hashing = append(o.hashing, progress)
}

func (o *recordingObserver) OnProgress(progress Progress) {
	o.mu.Lock()
	o.progress = append(o.progress, progress)
	o.mu.Unlock()

	if o.onProgress != nil {
		o.onProgress(progress)
	}
}

func (o *recordingObserver) lastProgress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.progress) == 0 {
		return Progress{}
	}
	return o.progress[len(o.progress)-1]
}

type fakeTracker struct {
	mu     sync.Mutex
	events []string
	props  []analytics.Properties
}

func (t *fakeTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, eventName)
	t.props = append(t.props, properties...)
}

func (t *fakeTracker) Wait() {}
