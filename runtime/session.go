package runtime

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/havenmast/llamacore/forward"
	"github.com/havenmast/llamacore/sample"
	"github.com/havenmast/llamacore/tokenizer"
)

// SessionState is the per-session state machine driven by StepNext (§4.6).
type SessionState int

const (
	StateFeedingPrompt SessionState = iota
	StateGenerating
	StateTerminal
)

// IssueFunc is the emission callback: one call per generated token piece,
// and one final call with a one-byte EOS piece at termination. The return
// value is reserved and never treated as fatal (§6).
type IssueFunc func(opaque any, piece string) int

// QueryConfig starts a constructed Session generating against a prompt
// (§6's "query session with {...}").
type QueryConfig struct {
	Prompt      string
	System      string
	Temperature float32
	TopP        float32
	RNGSeed     uint64
	// Limit caps the session's total position; 0 means the model's
	// seq_len.
	Limit int
	Issue IssueFunc
	// Opaque is passed back to Issue unmodified.
	Opaque any
	// NullOnDestroy, if non-nil, is set to nil when the engine destroys the
	// session, so an external holder can detect the release race-free (§3).
	NullOnDestroy **Session
}

// Session is one independent generation context: its forward-pass scratch
// state, sampler, prompt/position bookkeeping, and emission callback.
type Session struct {
	model *Model

	state   *forward.State
	sampler *sample.Sampler

	tokens   []int // prompt token IDs; nil once fully consumed
	promptLen int
	pos      int
	limit    int
	token    int

	issue  IssueFunc
	opaque any

	nullOnDestroy **Session

	clientGone atomic.Bool
	tokenCount uint64

	// next links this session into the engine's round-robin list.
	next *Session
}

// newSession allocates a Session's scratch buffers against model. It does
// not yet have a prompt or sampler parameters — call Query before the
// first StepNext.
func newSession(model *Model) *Session {
	return &Session{
		model:   model,
		state:   forward.NewState(model.Config),
		sampler: sample.NewSampler(0, 0, sample.NewRNG(1), model.Config.VocabSize),
		limit:   model.Config.SeqLen,
	}
}

// Query tokenizes cfg's prompt (wrapped per the model's Kind, §6), primes
// the sampler, and arms the session for StepNext. It may be called only
// once per session, mirroring clamma_session_query.
func (s *Session) Query(cfg QueryConfig) error {
	limit := cfg.Limit
	if limit <= 0 || limit > s.model.Config.SeqLen {
		limit = s.model.Config.SeqLen
	}

	seed := cfg.RNGSeed
	if seed == 0 {
		seed = 1
	}
	topp := cfg.TopP
	if topp < 0 || topp > 1 {
		topp = 0.9
	}
	temp := cfg.Temperature
	if temp < 0 {
		temp = 0
	}

	s.sampler.Temperature = temp
	s.sampler.TopP = topp
	s.sampler.RNG = sample.NewRNG(seed)
	s.issue = cfg.Issue
	s.opaque = cfg.Opaque
	s.nullOnDestroy = cfg.NullOnDestroy

	wrapped := wrapPrompt(s.model.Kind, cfg.System, cfg.Prompt)
	tokens := s.model.Vocab.Encode(wrapped, true, false)
	if len(tokens) == 0 {
		return newError(ConfigInvalid, "Query", fmt.Errorf("empty token stream"))
	}

	s.tokens = tokens
	s.promptLen = len(tokens)
	s.limit = limit
	s.token = tokens[0]
	s.pos = 0
	s.tokenCount = 0

	return nil
}

// wrapPrompt applies the gen/chat prompt-wrapping convention (§6).
func wrapPrompt(kind ModelKind, system, prompt string) string {
	if kind == ModelChat {
		if system != "" {
			return fmt.Sprintf("[INST] <<SYS>>\n%s\n<</SYS>>\n\n%s [/INST]\n", system, prompt)
		}
		return fmt.Sprintf("[INST] %s [/INST]\n", prompt)
	}
	return fmt.Sprintf("%s\n%s\n", system, prompt)
}

// State reports the session's current position in the §4.6 machine.
func (s *Session) State() SessionState {
	if s.clientGone.Load() {
		return StateTerminal
	}
	if s.pos >= s.limit {
		return StateTerminal
	}
	if s.pos+1 < s.promptLen {
		return StateFeedingPrompt
	}
	return StateGenerating
}

// Cancel sets the session's cancellation flag; the next StepNext
// targeting it routes through the terminal EOS-issue path (§5, §8
// property 8).
func (s *Session) Cancel() {
	s.clientGone.Store(true)
}

// TokenCount is the number of non-terminal steps completed so far (prompt
// tokens fed plus tokens generated), for callers that want throughput
// stats the way clamma_session_destroy logs tok/s.
func (s *Session) TokenCount() uint64 {
	return s.tokenCount
}

// issuePiece applies the single-byte printable/whitespace filter (§4.6)
// before calling the callback. Multi-byte pieces and the synthesized EOS
// piece always pass; once the session is cancelled, only the EOS piece is
// delivered.
func (s *Session) issuePiece(piece string) {
	if s.issue == nil {
		return
	}
	isEOS := len(piece) == 1 && piece[0] == byte(tokenizer.TokenEOS)
	if s.clientGone.Load() && !isEOS {
		return
	}
	if len(piece) == 1 && !isEOS {
		if !isPrintOrSpace(piece[0]) {
			return
		}
	}
	s.issue(s.opaque, piece)
}

func isPrintOrSpace(b byte) bool {
	if b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\v' || b == '\f' {
		return true
	}
	return b >= 0x20 && b < 0x7f
}

// step advances the session by one token and returns whether it remains
// alive for a subsequent step (§4.6's per-session state machine).
func (s *Session) step() bool {
	if s.clientGone.Load() {
		s.emitTerminal()
		return false
	}

	isPrompt := s.pos+1 < s.promptLen

	next, err := forward.Step(s.model.Weights, s.model.Pool, s.state, s.sampler, s.token, s.pos, isPrompt)
	s.pos++
	if err != nil {
		slog.Warn("weight cache miss aborted forward step", "model", s.model.Name, "pos", s.pos, "err", err)
		s.emitTerminal()
		return false
	}

	if s.pos >= s.limit {
		s.emitTerminal()
		return false
	}

	if isPrompt {
		next = s.tokens[s.pos]
	} else {
		s.tokens = nil
	}

	if next == tokenizer.TokenBOS {
		s.emitTerminal()
		return false
	}

	s.tokenCount++

	if !isPrompt {
		s.issuePiece(s.model.Vocab.Decode(s.token, next))
	}

	if s.pos > 5 && next == tokenizer.TokenEOS {
		s.emitTerminal()
		return false
	}

	s.token = next
	return true
}

// emitTerminal synthesizes the one-byte EOS piece clamma_sessions_step_next
// issues right before destroying a session.
func (s *Session) emitTerminal() {
	s.issuePiece(string([]byte{byte(tokenizer.TokenEOS)}))
}
