// Package restoration implements the startup state-restoration planner (C9):
// deciding whether to resume from the local secure state container, confirm
// that resumption with a server-side collaborator, reconcile both within a
// deadline, or start clean.
package restoration

import (
	"context"
	"log/slog"
	"os"
	"time"

	"ecliptix-core/internal/cryptoprim"
	"ecliptix-core/internal/errs"
	"ecliptix-core/internal/metrics"
	"ecliptix-core/internal/securestate"
	"ecliptix-core/internal/session"
)

// Strategy names how a restoration attempt is carried out.
type Strategy int

const (
	// StrategyLocalFirst trusts the local container and only falls back to
	// a fresh connection if the server declines to resume from it.
	StrategyLocalFirst Strategy = iota
	// StrategyServerFirst always asks the server whether it accepts
	// resuming from local state before trusting it.
	StrategyServerFirst
	// StrategyHybrid behaves like LocalFirst but bounds the server
	// round-trip with a StateSyncTimeout deadline.
	StrategyHybrid
	// StrategyFresh discards any existing state and connects clean.
	StrategyFresh
)

func (s Strategy) String() string {
	switch s {
	case StrategyLocalFirst:
		return "local_first"
	case StrategyServerFirst:
		return "server_first"
	case StrategyHybrid:
		return "hybrid"
	case StrategyFresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// LocalStore reads and writes the sealed local state container through C8.
// ReadLocalState reports ok=false with a nil error when nothing has been
// persisted yet — distinct from a read/open failure, which is returned as
// an error.
type LocalStore interface {
	ReadLocalState() (st *session.PersistedState, savedAt time.Time, ok bool, err error)
	WriteLocalState(st *session.PersistedState) error
}

// LocalRestorer asks the server collaborator whether it still accepts
// resuming from a given local state — the spec's "local-restore" primitive.
// It is implemented by the host application, not this module.
type LocalRestorer interface {
	RestoreOnServer(ctx context.Context, st *session.PersistedState) (bool, error)
}

// FreshConnector runs a brand-new handshake/connection when local state is
// absent, stale, or rejected by the server — the spec's "fresh-connect"
// primitive.
type FreshConnector interface {
	Connect(ctx context.Context) (*session.PersistedState, error)
}

// Config carries the strategy configuration the spec threads through the
// planner: the preferred strategy plus the two timing bounds that can
// override it (a stale local state forces Fresh regardless of preference).
type Config struct {
	Preferred        Strategy
	LocalStateMaxAge time.Duration
	StateSyncTimeout time.Duration
}

// Result is the spec's RestorationResult, plus the Engine the planner
// assembled — the planner's whole point is handing back a ready session.
type Result struct {
	Success                 bool
	StrategyUsed            Strategy
	Duration                time.Duration
	RequiredFreshConnection bool
	StateWasSynced          bool
	ErrorMessage            string
	Engine                  *session.Engine
}

const statusChannelCapacity = 64

// Restore runs cfg.Preferred against local and the server collaborators,
// returning a ready Engine or an error if every option the strategy
// permitted was exhausted. The planner never decides cryptographic policy —
// it only sequences attempts and reports which one produced the Engine.
func Restore(ctx context.Context, cfg Config, local LocalStore, restorer LocalRestorer, fresh FreshConnector, log *slog.Logger) (*Result, error) {
	started := time.Now()

	if local == nil {
		return finishFresh(ctx, started, local, fresh, log, "restoration: no local store configured")
	}

	st, savedAt, ok, err := local.ReadLocalState()
	if err != nil {
		metrics.RestorationAttemptsTotal.WithLabelValues(cfg.Preferred.String(), "local_read_failed").Inc()
		return finishFresh(ctx, started, local, fresh, log, err.Error())
	}
	if !ok {
		metrics.RestorationAttemptsTotal.WithLabelValues(cfg.Preferred.String(), "no_local_state").Inc()
		return finishFresh(ctx, started, local, fresh, log, "")
	}
	if cfg.LocalStateMaxAge > 0 && time.Since(savedAt) > cfg.LocalStateMaxAge {
		metrics.RestorationAttemptsTotal.WithLabelValues(cfg.Preferred.String(), "local_state_stale").Inc()
		return finishFresh(ctx, started, local, fresh, log, "")
	}

	switch cfg.Preferred {
	case StrategyFresh:
		return finishFresh(ctx, started, local, fresh, log, "")
	case StrategyLocalFirst, StrategyServerFirst:
		return restoreViaServerCheck(ctx, cfg.Preferred, started, local, st, restorer, fresh, log)
	case StrategyHybrid:
		if cfg.StateSyncTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.StateSyncTimeout)
			defer cancel()
		}
		return restoreViaServerCheck(ctx, StrategyHybrid, started, local, st, restorer, fresh, log)
	default:
		return nil, errs.InvalidInput("restoration: unknown strategy")
	}
}

// restoreViaServerCheck asks restorer whether the server still accepts
// resuming from st; on a yes it imports st directly, on a no (or any
// restorer failure, including a StateSyncTimeout deadline firing) it falls
// through to a fresh connection.
func restoreViaServerCheck(ctx context.Context, strategy Strategy, started time.Time, local LocalStore, st *session.PersistedState, restorer LocalRestorer, fresh FreshConnector, log *slog.Logger) (*Result, error) {
	accepted := false
	if restorer != nil {
		var rerr error
		accepted, rerr = restorer.RestoreOnServer(ctx, st)
		if rerr != nil {
			accepted = false
		}
	}
	if !accepted {
		metrics.RestorationAttemptsTotal.WithLabelValues(strategy.String(), "server_declined").Inc()
		return finishFresh(ctx, started, local, fresh, log, "")
	}

	eng, err := session.ImportState(st, statusChannelCapacity, log)
	if err != nil {
		metrics.RestorationAttemptsTotal.WithLabelValues(strategy.String(), "import_failed").Inc()
		return &Result{StrategyUsed: strategy, Duration: time.Since(started), ErrorMessage: err.Error()}, err
	}
	metrics.RestorationAttemptsTotal.WithLabelValues(strategy.String(), "restored").Inc()
	return &Result{
		Success:        true,
		StrategyUsed:   strategy,
		Duration:       time.Since(started),
		StateWasSynced: true,
		Engine:         eng,
	}, nil
}

// finishFresh runs the spec's §4.9 step 6: call fresh-connect, persist the
// new state through the local store, then hand back a ready Engine. errMsg
// is non-empty only when Fresh was reached because no local store is
// configured or reading the local state failed; it is empty on every other
// path.
func finishFresh(ctx context.Context, started time.Time, local LocalStore, fresh FreshConnector, log *slog.Logger, errMsg string) (*Result, error) {
	if fresh == nil {
		err := errs.Storage(errs.ReasonIO, "restoration: Fresh requires a FreshConnector", nil)
		metrics.RestorationAttemptsTotal.WithLabelValues(StrategyFresh.String(), "no_fresh_connector").Inc()
		return &Result{StrategyUsed: StrategyFresh, Duration: time.Since(started), ErrorMessage: err.Error()}, err
	}

	st, err := fresh.Connect(ctx)
	if err != nil {
		metrics.RestorationAttemptsTotal.WithLabelValues(StrategyFresh.String(), "fresh_connect_failed").Inc()
		return &Result{StrategyUsed: StrategyFresh, Duration: time.Since(started), ErrorMessage: err.Error()}, err
	}
	if local != nil {
		if werr := local.WriteLocalState(st); werr != nil {
			metrics.RestorationAttemptsTotal.WithLabelValues(StrategyFresh.String(), "persist_failed").Inc()
			return &Result{StrategyUsed: StrategyFresh, Duration: time.Since(started), ErrorMessage: werr.Error()}, werr
		}
	}

	eng, err := session.ImportState(st, statusChannelCapacity, log)
	if err != nil {
		metrics.RestorationAttemptsTotal.WithLabelValues(StrategyFresh.String(), "import_failed").Inc()
		return &Result{StrategyUsed: StrategyFresh, Duration: time.Since(started), ErrorMessage: err.Error()}, err
	}
	metrics.RestorationAttemptsTotal.WithLabelValues(StrategyFresh.String(), "fresh_connected").Inc()
	return &Result{
		Success:                 true,
		StrategyUsed:            StrategyFresh,
		Duration:                time.Since(started),
		RequiredFreshConnection: true,
		ErrorMessage:            errMsg,
		Engine:                  eng,
	}, nil
}

// FileLocalStore is the concrete LocalStore implementation: it reads and
// writes the sealed container at Path through C8 (securestate.Open/Seal),
// using the file's own modification time as the "recorded timestamp" the
// staleness check (§4.9 step 2) compares against LocalStateMaxAge — the
// container format carries no in-band timestamp field, and the filesystem
// already guarantees this one advances exactly on every successful write.
type FileLocalStore struct {
	Path         string
	Provider     securestate.KeyProvider
	ConnectID    string
	MembershipID string
	DeviceID     string
	Params       cryptoprim.Argon2Params
}

func (f *FileLocalStore) ReadLocalState() (*session.PersistedState, time.Time, bool, error) {
	info, err := os.Stat(f.Path)
	if os.IsNotExist(err) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, errs.Storage(errs.ReasonIO, "restoration: stat local state file", err)
	}

	raw, err := securestate.ReadFile(f.Path)
	if err != nil {
		return nil, time.Time{}, false, errs.Storage(errs.ReasonIO, "restoration: read local state file", err)
	}
	plain, migrated, err := securestate.Open(f.Provider, f.ConnectID, f.MembershipID, f.DeviceID, raw, f.Params)
	if err != nil {
		return nil, time.Time{}, false, err
	}
	st, err := session.UnmarshalPersistedState(plain)
	if err != nil {
		return nil, time.Time{}, false, err
	}

	if migrated {
		if resealed, serr := securestate.Seal(f.Provider, f.ConnectID, f.MembershipID, f.DeviceID, plain, f.Params); serr == nil {
			_ = securestate.WriteAtomic(f.Path, resealed)
		}
	}
	return st, info.ModTime(), true, nil
}

func (f *FileLocalStore) WriteLocalState(st *session.PersistedState) error {
	plain, err := st.ToBytes()
	if err != nil {
		return err
	}
	sealed, err := securestate.Seal(f.Provider, f.ConnectID, f.MembershipID, f.DeviceID, plain, f.Params)
	if err != nil {
		return err
	}
	return securestate.WriteAtomic(f.Path, sealed)
}
