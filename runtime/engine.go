package runtime

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/havenmast/llamacore/envconfig"
	"github.com/havenmast/llamacore/logutil"
)

// loggerOnce installs the engine's logutil-backed default logger exactly
// once per process, the library analogue of the teacher's runner.go
// calling slog.SetDefault(logutil.NewLogger(...)) at process startup.
var loggerOnce sync.Once

// Engine owns the model registry and the session scheduler that the
// original expressed as process-wide globals (txf_head, sess_head); §9
// re-expresses both as containers owned by an explicit handle instead of
// module-level state.
type Engine struct {
	modelsMu sync.Mutex
	models   map[string]*Model

	sessionsMu sync.Mutex
	// head is the next session StepNext will advance; sessions form a
	// ring via Session.next, rotating head to the tail after each step
	// (§4.6's round-robin list).
	head  *Session
	count int

	bySession map[*Session]*semaphore.Weighted // held sessionLimit, for Release on destroy
}

// NewEngine returns an empty Engine with no models or sessions registered.
func NewEngine() *Engine {
	loggerOnce.Do(func() {
		slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	})
	return &Engine{
		models:    make(map[string]*Model),
		bySession: make(map[*Session]*semaphore.Weighted),
	}
}

// NewModel constructs a Model per cfg and registers it under cfg.Name,
// replacing any previously registered model of the same name (the caller
// is responsible for having destroyed it first; NewModel does not do so
// implicitly).
func (e *Engine) NewModel(cfg ModelConfig) (*Model, error) {
	m, err := NewModel(cfg)
	if err != nil {
		return nil, err
	}

	e.modelsMu.Lock()
	e.models[cfg.Name] = m
	e.modelsMu.Unlock()

	return m, nil
}

// ModelByName looks up a registered model, matching the original's
// clamma_txf_by_name linear search re-expressed as a map lookup.
func (e *Engine) ModelByName(name string) (*Model, bool) {
	e.modelsMu.Lock()
	defer e.modelsMu.Unlock()
	m, ok := e.models[name]
	return m, ok
}

// DestroyModel destroys and unregisters the named model. It is an error to
// destroy a model with live sessions; destroy those first.
func (e *Engine) DestroyModel(name string) error {
	e.modelsMu.Lock()
	m, ok := e.models[name]
	if ok {
		delete(e.models, name)
	}
	e.modelsMu.Unlock()

	if !ok {
		return newError(ConfigInvalid, "DestroyModel", fmt.Errorf("no model named %q", name))
	}

	m.Destroy()
	return nil
}

// NewSession constructs a Session against model, subject to model's
// optional max_sessions admission (§7's ResourceExhausted), then calls
// Query to arm it and links it into the round-robin scheduler. On any
// failure the admission slot (if acquired) is released and no session is
// linked.
func (e *Engine) NewSession(model *Model, query QueryConfig) (*Session, error) {
	if model.sessionLimit != nil {
		if !model.sessionLimit.TryAcquire(1) {
			return nil, newError(ResourceExhausted, "NewSession", fmt.Errorf("model %q reached max sessions", model.Name))
		}
	}

	s := newSession(model)
	if err := s.Query(query); err != nil {
		if model.sessionLimit != nil {
			model.sessionLimit.Release(1)
		}
		return nil, err
	}

	e.sessionsMu.Lock()
	if model.sessionLimit != nil {
		e.bySession[s] = model.sessionLimit
	}
	if e.head == nil {
		s.next = s
		e.head = s
	} else {
		// insert just before head, i.e. at the tail of the ring.
		tail := e.head
		for tail.next != e.head {
			tail = tail.next
		}
		tail.next = s
		s.next = e.head
	}
	e.count++
	e.sessionsMu.Unlock()

	return s, nil
}

// StepNext advances the head session by one token and rotates it to the
// tail, giving strict round-robin fairness across live sessions (§4.6,
// §8 property 7). It returns false when there are no live sessions left.
func (e *Engine) StepNext() bool {
	e.sessionsMu.Lock()
	s := e.head
	if s == nil {
		e.sessionsMu.Unlock()
		return false
	}
	// Detach s from the ring before stepping it: step may destroy it,
	// and the scheduler thread is the only mutator of session state
	// outside matmul kernels (§5), so no lock is held across the step.
	if s.next == s {
		e.head = nil
	} else {
		e.head = s.next
		prev := s.next
		for prev.next != s {
			prev = prev.next
		}
		prev.next = s.next
	}
	e.count--
	e.sessionsMu.Unlock()

	alive := s.step()

	if !alive {
		e.releaseSession(s)
		e.sessionsMu.Lock()
		hasMore := e.head != nil
		e.sessionsMu.Unlock()
		return hasMore
	}

	e.sessionsMu.Lock()
	if e.head == nil {
		s.next = s
		e.head = s
	} else {
		tail := e.head
		for tail.next != e.head {
			tail = tail.next
		}
		tail.next = s
		s.next = e.head
	}
	e.count++
	e.sessionsMu.Unlock()

	return true
}

// Cancel marks s for cancellation; it is destroyed on its next StepNext
// (§8 property 8).
func (e *Engine) Cancel(s *Session) {
	s.Cancel()
}

// DestroySession removes s from the scheduler ring (if still linked) and
// releases its resources. Safe to call after a StepNext has already
// destroyed it via the terminal path (in which case it is a no-op).
func (e *Engine) DestroySession(s *Session) {
	e.sessionsMu.Lock()
	removed := e.unlink(s)
	e.sessionsMu.Unlock()

	if removed {
		e.releaseSession(s)
	}
}

// unlink removes s from the ring if present. Caller holds sessionsMu.
func (e *Engine) unlink(s *Session) bool {
	if e.head == nil {
		return false
	}
	if e.head == s && s.next == s {
		e.head = nil
		e.count--
		return true
	}
	cur := e.head
	for {
		if cur.next == s {
			cur.next = s.next
			if e.head == s {
				e.head = s.next
			}
			e.count--
			return true
		}
		cur = cur.next
		if cur == e.head {
			return false
		}
	}
}

// releaseSession frees a destroyed session's max_sessions admission slot
// and clears its NullOnDestroy pointer slot (§3's race-free release).
func (e *Engine) releaseSession(s *Session) {
	e.sessionsMu.Lock()
	limit, ok := e.bySession[s]
	delete(e.bySession, s)
	e.sessionsMu.Unlock()

	if ok {
		limit.Release(1)
	}
	if s.nullOnDestroy != nil {
		*s.nullOnDestroy = nil
	}
}

// SessionCount reports the number of live sessions currently in the
// scheduler ring.
func (e *Engine) SessionCount() int {
	e.sessionsMu.Lock()
	defer e.sessionsMu.Unlock()
	return e.count
}
