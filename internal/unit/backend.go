package unit

import (
	"errors"

	"github.com/loykin/tandem/internal/process"
)

var errNotStarted = errors.New("services are not started yet")

// backend adapts a Unit to server.Backend.
type backend struct{ *Unit }

func (b backend) Phase() string { return string(b.Unit.Phase()) }

func (b backend) States() []process.State {
	if m := b.Manager(); m != nil {
		return m.States()
	}
	return []process.State{}
}

func (b backend) Status(name string) (process.State, error) {
	m := b.Manager()
	if m == nil {
		return process.State{}, errNotStarted
	}
	return m.Status(name)
}

func (b backend) StopService(name string) error {
	m := b.Manager()
	if m == nil {
		return errNotStarted
	}
	return m.Stop(name)
}

func (b backend) StartService(name string) error {
	m := b.Manager()
	if m == nil {
		return errNotStarted
	}
	return m.StartService(name)
}
