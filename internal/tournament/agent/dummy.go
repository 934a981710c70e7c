package agent

import "context"

// DummyKind leaves the codebase untouched.
const DummyKind = "dummy"

func init() {
	Register(DummyKind, func(Config, Deps) (Agent, error) { return Dummy{}, nil })
}

// Dummy is a no-op agent.
type Dummy struct{}

func (Dummy) Name() string { return DummyKind }

func (Dummy) Edit(ctx context.Context, ec EditContext) (Outcome, error) {
	return Outcome{Log: "no changes"}, ctx.Err()
}
