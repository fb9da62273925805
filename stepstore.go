package polos

import (
	"encoding/json"
	"sync"
)

// StepError is the persisted shape of a step failure. It survives replay:
// a step that exhausted its retries fails the same way on every later
// attempt without re-running.
type StepError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (e *StepError) Error() string { return e.Message }

// HydratedStep is one completed step the orchestrator hands back when it
// re-dispatches an execution.
type HydratedStep struct {
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value,omitempty"`
	Error       *StepError      `json:"error,omitempty"`
	CompletedAt string          `json:"completedAt,omitempty"`
}

// stepStore is the per-attempt memo table behind a Step. Values arrive
// serialized (hydration) or get serialized on first completion; lookups
// return the raw JSON so the caller revives it exactly like a replayed
// attempt would.
type stepStore struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
	errs   map[string]*StepError
	used   map[string]struct{}
}

func newStepStore() *stepStore {
	return &stepStore{
		values: make(map[string]json.RawMessage),
		errs:   make(map[string]*StepError),
		used:   make(map[string]struct{}),
	}
}

// hydrate seeds the store with steps completed on earlier attempts. It does
// not mark keys as used: the replaying handler still claims each key once.
func (s *stepStore) hydrate(steps []HydratedStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range steps {
		if st.Error != nil {
			e := *st.Error
			s.errs[st.Key] = &e
			continue
		}
		s.values[st.Key] = st.Value
	}
}

// begin claims key for this attempt and returns any memoized outcome.
// Claiming the same key twice in one attempt is a programming error.
func (s *stepStore) begin(key string) (raw json.RawMessage, serr *StepError, hit bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.used[key]; dup {
		return nil, nil, false, &ErrDuplicateStep{Key: key}
	}
	s.used[key] = struct{}{}
	if e, ok := s.errs[key]; ok {
		return nil, e, true, nil
	}
	if v, ok := s.values[key]; ok {
		return v, nil, true, nil
	}
	return nil, nil, false, nil
}

// complete records a successful outcome for key.
func (s *stepStore) complete(key string, raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = raw
}

// fail records a permanent failure for key.
func (s *stepStore) fail(key string, serr *StepError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[key] = serr
}

// peek reports the memoized outcome for key without claiming it.
func (s *stepStore) peek(key string) (raw json.RawMessage, serr *StepError, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, found := s.errs[key]; found {
		return nil, e, true
	}
	if v, found := s.values[key]; found {
		return v, nil, true
	}
	return nil, nil, false
}

func (s *stepStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values) + len(s.errs)
}
