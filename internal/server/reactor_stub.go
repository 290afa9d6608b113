//go:build !linux

package server

import (
	"fmt"

	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/database"
	"github.com/stomp-stream-dev/stomp-stream-go-broker/internal/registry"
)

// Reactor requires epoll. On other platforms the thread-per-client mode is
// the only supported transport.
type Reactor struct{}

func NewReactor(reg *registry.Registry, store database.UserStore, workers int) *Reactor {
	return &Reactor{}
}

func (r *Reactor) Start(port int) error {
	return fmt.Errorf("reactor mode is only supported on linux")
}

func (r *Reactor) Port() int { return 0 }

func (r *Reactor) Stop() {}
