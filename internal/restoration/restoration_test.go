package restoration

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"ecliptix-core/internal/cryptoprim"
	"ecliptix-core/internal/identity"
	"ecliptix-core/internal/securestate"
	"ecliptix-core/internal/session"
)

type memKeyProvider struct {
	encKeys  map[string][]byte
	hmacKeys map[string][]byte
}

func newMemKeyProvider() *memKeyProvider {
	return &memKeyProvider{encKeys: map[string][]byte{}, hmacKeys: map[string][]byte{}}
}

func (m *memKeyProvider) StoreKey(connectID string, key []byte) error {
	m.encKeys[connectID] = append([]byte(nil), key...)
	return nil
}

func (m *memKeyProvider) LoadKey(connectID string) ([]byte, error) { return m.encKeys[connectID], nil }

func (m *memKeyProvider) DeleteKey(connectID string) error {
	delete(m.encKeys, connectID)
	return nil
}

func (m *memKeyProvider) GetOrCreateHMACKey(connectID string) ([]byte, error) {
	if k, ok := m.hmacKeys[connectID]; ok {
		return k, nil
	}
	k := bytes.Repeat([]byte{0x9d}, 32)
	m.hmacKeys[connectID] = k
	return k, nil
}

func fastArgon2Params() cryptoprim.Argon2Params {
	return cryptoprim.Argon2Params{Iterations: 2, MemoryKiB: 19 * 1024, Parallelism: 1}
}

func newFreshState(t *testing.T) *session.PersistedState {
	t.Helper()
	mat, err := identity.Create(3)
	if err != nil {
		t.Fatalf("identity.Create: %v", err)
	}
	eng := session.New(mat, 8, nil)
	defer eng.Close()
	st, err := eng.ExportState()
	if err != nil {
		t.Fatalf("ExportState: %v", err)
	}
	return st
}

type fakeRestorer struct {
	accept bool
	err    error
}

func (f fakeRestorer) RestoreOnServer(ctx context.Context, st *session.PersistedState) (bool, error) {
	return f.accept, f.err
}

type fakeFreshConnector struct {
	st    *session.PersistedState
	calls int
}

func (f *fakeFreshConnector) Connect(ctx context.Context) (*session.PersistedState, error) {
	f.calls++
	return f.st, nil
}

func TestRestoreWithNoLocalStateGoesFresh(t *testing.T) {
	store := &FileLocalStore{
		Path:         filepath.Join(t.TempDir(), "state.bin"),
		Provider:     newMemKeyProvider(),
		ConnectID:    "conn-1",
		MembershipID: "membership-1",
		DeviceID:     "device-1",
		Params:       fastArgon2Params(),
	}
	fresh := &fakeFreshConnector{st: newFreshState(t)}

	res, err := Restore(context.Background(), Config{Preferred: StrategyLocalFirst}, store, fakeRestorer{accept: true}, fresh, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !res.Success || res.StrategyUsed != StrategyFresh || !res.RequiredFreshConnection {
		t.Fatalf("unexpected result: %+v", res)
	}
	if fresh.calls != 1 {
		t.Fatalf("expected FreshConnector to be called once, got %d", fresh.calls)
	}
	res.Engine.Close()
}

func TestRestoreLocalFirstResumesWhenServerAccepts(t *testing.T) {
	store := &FileLocalStore{
		Path:         filepath.Join(t.TempDir(), "state.bin"),
		Provider:     newMemKeyProvider(),
		ConnectID:    "conn-2",
		MembershipID: "membership-2",
		DeviceID:     "device-2",
		Params:       fastArgon2Params(),
	}
	st := newFreshState(t)
	if err := store.WriteLocalState(st); err != nil {
		t.Fatalf("WriteLocalState: %v", err)
	}

	fresh := &fakeFreshConnector{st: newFreshState(t)}
	res, err := Restore(context.Background(), Config{Preferred: StrategyLocalFirst}, store, fakeRestorer{accept: true}, fresh, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !res.Success || res.StrategyUsed != StrategyLocalFirst || !res.StateWasSynced || res.RequiredFreshConnection {
		t.Fatalf("unexpected result: %+v", res)
	}
	if fresh.calls != 0 {
		t.Fatalf("expected FreshConnector not to be called, got %d calls", fresh.calls)
	}
	res.Engine.Close()
}

func TestRestoreFallsBackToFreshWhenServerDeclines(t *testing.T) {
	store := &FileLocalStore{
		Path:         filepath.Join(t.TempDir(), "state.bin"),
		Provider:     newMemKeyProvider(),
		ConnectID:    "conn-3",
		MembershipID: "membership-3",
		DeviceID:     "device-3",
		Params:       fastArgon2Params(),
	}
	if err := store.WriteLocalState(newFreshState(t)); err != nil {
		t.Fatalf("WriteLocalState: %v", err)
	}

	fresh := &fakeFreshConnector{st: newFreshState(t)}
	res, err := Restore(context.Background(), Config{Preferred: StrategyLocalFirst}, store, fakeRestorer{accept: false}, fresh, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.StrategyUsed != StrategyFresh || !res.RequiredFreshConnection {
		t.Fatalf("expected a fallback to Fresh, got %+v", res)
	}
	res.Engine.Close()
}

func TestRestoreTreatsStaleLocalStateAsFresh(t *testing.T) {
	store := &FileLocalStore{
		Path:         filepath.Join(t.TempDir(), "state.bin"),
		Provider:     newMemKeyProvider(),
		ConnectID:    "conn-4",
		MembershipID: "membership-4",
		DeviceID:     "device-4",
		Params:       fastArgon2Params(),
	}
	if err := store.WriteLocalState(newFreshState(t)); err != nil {
		t.Fatalf("WriteLocalState: %v", err)
	}

	fresh := &fakeFreshConnector{st: newFreshState(t)}
	cfg := Config{Preferred: StrategyLocalFirst, LocalStateMaxAge: time.Nanosecond}
	res, err := Restore(context.Background(), cfg, store, fakeRestorer{accept: true}, fresh, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.StrategyUsed != StrategyFresh || !res.RequiredFreshConnection {
		t.Fatalf("expected stale local state to force Fresh, got %+v", res)
	}
	if fresh.calls != 1 {
		t.Fatalf("expected exactly one FreshConnector call, got %d", fresh.calls)
	}
	res.Engine.Close()
}

func TestRestoreHybridRespectsStateSyncTimeout(t *testing.T) {
	store := &FileLocalStore{
		Path:         filepath.Join(t.TempDir(), "state.bin"),
		Provider:     newMemKeyProvider(),
		ConnectID:    "conn-5",
		MembershipID: "membership-5",
		DeviceID:     "device-5",
		Params:       fastArgon2Params(),
	}
	if err := store.WriteLocalState(newFreshState(t)); err != nil {
		t.Fatalf("WriteLocalState: %v", err)
	}

	fresh := &fakeFreshConnector{st: newFreshState(t)}
	slowRestorer := slowRestorerFunc(func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	cfg := Config{Preferred: StrategyHybrid, StateSyncTimeout: 10 * time.Millisecond}
	res, err := Restore(context.Background(), cfg, store, slowRestorer, fresh, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.StrategyUsed != StrategyFresh {
		t.Fatalf("expected a StateSyncTimeout to fall back to Fresh, got %+v", res)
	}
	res.Engine.Close()
}

type slowRestorerFunc func(ctx context.Context) (bool, error)

func (f slowRestorerFunc) RestoreOnServer(ctx context.Context, st *session.PersistedState) (bool, error) {
	return f(ctx)
}

func TestFileLocalStoreRoundTripsThroughTheSecureContainer(t *testing.T) {
	provider := newMemKeyProvider()
	store := &FileLocalStore{
		Path:         filepath.Join(t.TempDir(), "state.bin"),
		Provider:     provider,
		ConnectID:    "conn-6",
		MembershipID: "membership-6",
		DeviceID:     "device-6",
		Params:       fastArgon2Params(),
	}

	st := newFreshState(t)
	if err := store.WriteLocalState(st); err != nil {
		t.Fatalf("WriteLocalState: %v", err)
	}

	raw, err := securestate.ReadFile(store.Path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if bytes.Contains(raw, []byte("signedPrekeySignature")) {
		t.Fatalf("expected the on-disk container to not contain plaintext JSON field names")
	}

	got, savedAt, ok, err := store.ReadLocalState()
	if err != nil {
		t.Fatalf("ReadLocalState: %v", err)
	}
	if !ok {
		t.Fatalf("expected ReadLocalState to report the state exists")
	}
	if savedAt.IsZero() {
		t.Fatalf("expected a non-zero recorded timestamp")
	}
	if got.Identity == nil {
		t.Fatalf("expected the round-tripped state to carry identity material")
	}
}

func TestFileLocalStoreReportsMissingFile(t *testing.T) {
	store := &FileLocalStore{
		Path:         filepath.Join(t.TempDir(), "never-written.bin"),
		Provider:     newMemKeyProvider(),
		ConnectID:    "conn-7",
		MembershipID: "membership-7",
		DeviceID:     "device-7",
		Params:       fastArgon2Params(),
	}
	_, _, ok, err := store.ReadLocalState()
	if err != nil {
		t.Fatalf("ReadLocalState: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a file that was never written")
	}
}
