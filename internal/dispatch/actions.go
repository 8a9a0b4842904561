package dispatch

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

const (
	actionPrefix    = "a:"
	actionTableSize = 1024
)

// ActionTable maps short callback tokens to actions. Chat platforms cap
// callback payloads (64 bytes on Telegram), while event ids are unbounded.
type ActionTable struct {
	mu    sync.Mutex
	m     map[string]Action
	order []string
	max   int
}

func NewActionTable(max int) *ActionTable {
	if max <= 0 {
		max = actionTableSize
	}
	return &ActionTable{m: map[string]Action{}, max: max}
}

// Put stores a and returns its callback data.
func (t *ActionTable) Put(a Action) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Action))
	tok := fmt.Sprintf("%016x", h.Sum64())

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[tok]; !ok {
		t.order = append(t.order, tok)
		for len(t.order) > t.max {
			delete(t.m, t.order[0])
			t.order = t.order[1:]
		}
	}
	t.m[tok] = a
	return actionPrefix + tok
}

// Resolve returns the action stored for callback data.
func (t *ActionTable) Resolve(data string) (Action, bool) {
	tok, ok := strings.CutPrefix(data, actionPrefix)
	if !ok {
		return Action{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.m[tok]
	return a, ok
}
