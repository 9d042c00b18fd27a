package sandbox

import (
	"context"
	"errors"
	"sync"
)

// fakeRuntime hands out sessions whose behaviour is scripted per attempt.
type fakeRuntime struct {
	mu         sync.Mutex
	provisions int
	closes     int
	installed  [][]string
	specs      []SessionSpec
	provErr    error

	// run is called with the 1 based attempt number.
	run   func(attempt int, code string) (*Outcome, error)
	fetch func(port int) (int, []byte, error)
}

func (f *fakeRuntime) Provision(ctx context.Context, spec SessionSpec) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisions++
	f.specs = append(f.specs, spec)
	if f.provErr != nil {
		return nil, f.provErr
	}
	return &fakeSession{rt: f, attempt: f.provisions}, nil
}

func (f *fakeRuntime) Provisions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisions
}

func (f *fakeRuntime) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type fakeSession struct {
	rt      *fakeRuntime
	attempt int
}

func (s *fakeSession) Install(ctx context.Context, packages []string) error {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	s.rt.installed = append(s.rt.installed, packages)
	return nil
}

func (s *fakeSession) Run(ctx context.Context, code string) (*Outcome, error) {
	if s.rt.run == nil {
		return &Outcome{}, nil
	}
	return s.rt.run(s.attempt, code)
}

func (s *fakeSession) Fetch(ctx context.Context, port int) (int, []byte, error) {
	if s.rt.fetch == nil {
		return 0, nil, errors.New("no server")
	}
	return s.rt.fetch(port)
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	s.rt.closes++
	return nil
}
