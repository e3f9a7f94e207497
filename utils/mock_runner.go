package utils

import "context"

// MockRunner records calls and returns preconfigured responses.
// Use this in tests to avoid real shell execution.
// Set RunFn for dynamic per-call responses, otherwise Out/Err are returned.
// Stdin payloads passed to RunInput are recorded in Inputs, one entry per
// call, nil for calls made through Run.
type MockRunner struct {
	Calls  [][]string
	Inputs [][]byte
	Out    string
	Err    error
	RunFn  func(args []string) (string, error)
}

func (m *MockRunner) Run(_ context.Context, _ string, args ...string) (string, error) {
	m.Calls = append(m.Calls, args)
	m.Inputs = append(m.Inputs, nil)
	if m.RunFn != nil {
		return m.RunFn(args)
	}
	return m.Out, m.Err
}

func (m *MockRunner) RunInput(_ context.Context, input []byte, _ string, args ...string) (string, error) {
	m.Calls = append(m.Calls, args)
	m.Inputs = append(m.Inputs, input)
	if m.RunFn != nil {
		return m.RunFn(args)
	}
	return m.Out, m.Err
}
