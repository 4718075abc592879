// Package mock implements an in-process scriptable provider session used by
// executor and scheduler tests, and a matching adapter.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/vuhlp/vuhlp/internal/provider"
)

// ToolAction scripts one tool call inside a turn.
type ToolAction struct {
	ID     string
	Name   string
	Args   map[string]any
	Result string
}

// TurnScript describes what the session streams for one Send.
type TurnScript struct {
	SessionID string
	Reasoning []string
	Deltas    []string
	Tools     []ToolAction
	Diffs     map[string]string
	Logs      map[string]string
	Progress  []string
	// FailWith aborts the stream without a final event, simulating a
	// provider crash mid-turn.
	FailWith string
	Output   string
	Summary  string
}

// Session replays scripted turns through the shared mapper. Tool calls wait
// for a Respond decision exactly like a real gated CLI.
type Session struct {
	mu        sync.Mutex
	mapper    *provider.Mapper
	turns     []TurnScript
	next      int
	decisions map[string]chan provider.Decision
	turnCtx   context.Context
	turnStop  context.CancelFunc
	closed    bool
}

// NewSession creates a session that plays the given turns in order. Sends
// beyond the script replay the last turn.
func NewSession(turns ...TurnScript) *Session {
	return &Session{
		mapper:    provider.NewMapper(),
		turns:     turns,
		decisions: make(map[string]chan provider.Decision),
	}
}

// Events returns the normalized event stream.
func (s *Session) Events() <-chan provider.Event {
	return s.mapper.Events()
}

// Send starts streaming the next scripted turn.
func (s *Session) Send(ctx context.Context, prompt string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	if len(s.turns) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no scripted turns")
	}
	idx := s.next
	if idx >= len(s.turns) {
		idx = len(s.turns) - 1
	}
	s.next++
	script := s.turns[idx]
	turnCtx, stop := context.WithCancel(ctx)
	s.turnCtx = turnCtx
	s.turnStop = stop
	s.mu.Unlock()

	go s.play(turnCtx, script)
	return nil
}

// Respond delivers the approval decision for a proposed tool.
func (s *Session) Respond(ctx context.Context, toolID string, decision provider.Decision) error {
	s.mu.Lock()
	ch, ok := s.decisions[toolID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown tool id %q", toolID)
	}
	select {
	case ch <- decision:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt aborts the in-flight turn.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	stop := s.turnStop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	return nil
}

// Close ends the session and closes the event channel.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	stop := s.turnStop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.mapper.Close()
	return nil
}

func (s *Session) play(ctx context.Context, script TurnScript) {
	if script.SessionID != "" {
		s.mapper.Session(script.SessionID)
	}
	for _, r := range script.Reasoning {
		if ctx.Err() != nil {
			return
		}
		s.mapper.Reasoning(r)
	}
	for i, d := range script.Deltas {
		if ctx.Err() != nil {
			return
		}
		s.mapper.Delta(d, i)
	}
	for i, tool := range script.Tools {
		if ctx.Err() != nil {
			return
		}
		id := tool.ID
		if id == "" {
			id = fmt.Sprintf("tool-%d", i)
		}
		ch := make(chan provider.Decision, 1)
		s.mu.Lock()
		s.decisions[id] = ch
		s.mu.Unlock()

		s.mapper.ToolProposed(id, tool.Name, tool.Args)

		var decision provider.Decision
		select {
		case decision = <-ch:
		case <-ctx.Done():
			return
		}
		if !decision.Approved {
			s.mapper.ToolCompleted(id, "", "denied: "+decision.Feedback, 0)
			continue
		}
		if decision.ModifiedArgs != nil {
			s.mapper.SubstituteArgs(id, decision.ModifiedArgs)
		}
		s.mapper.ToolStarted(id, tool.Name, tool.Args)
		s.mapper.ToolCompleted(id, tool.Result, "", 1)
	}
	for name, patch := range script.Diffs {
		s.mapper.Diff(name, patch)
	}
	for name, content := range script.Logs {
		s.mapper.Log(name, content)
	}
	for _, msg := range script.Progress {
		s.mapper.Progress(msg)
	}
	if script.FailWith != "" {
		s.mapper.Error(script.FailWith)
		s.mapper.Close()
		return
	}
	if ctx.Err() != nil {
		return
	}
	if len(script.Deltas) > 0 {
		s.mapper.FinalText("", 0)
	}
	s.mapper.Final(script.Output, script.Summary)
}

// Adapter opens scripted sessions. The script factory is called once per
// Open so each node gets its own session.
type Adapter struct {
	factory func(spec provider.SessionSpec) []TurnScript
}

// NewAdapter creates a mock adapter from a script factory. A nil factory
// yields sessions that complete immediately with a fixed output.
func NewAdapter(factory func(spec provider.SessionSpec) []TurnScript) *Adapter {
	if factory == nil {
		factory = func(provider.SessionSpec) []TurnScript {
			return []TurnScript{{Deltas: []string{"done"}, Output: "done"}}
		}
	}
	return &Adapter{factory: factory}
}

// Kind implements provider.Adapter.
func (a *Adapter) Kind() string { return "mock" }

// Open implements provider.Adapter.
func (a *Adapter) Open(ctx context.Context, spec provider.SessionSpec) (provider.Session, error) {
	return NewSession(a.factory(spec)...), nil
}
