package coordinator

import (
	"context"

	"loopcast/internal/acquire"
	"loopcast/internal/broadcast"
	"loopcast/internal/encoder"
)

// BroadcastSession is an authenticated handle on the remote broadcast API.
type BroadcastSession interface {
	CreateBroadcast(ctx context.Context, params broadcast.Params) (broadcast.Broadcast, error)
	EndBroadcast(ctx context.Context, broadcastID string) error
	ListPlaylistVideos(ctx context.Context, playlistID string) ([]string, error)
}

// Authenticator opens sessions for destination accounts.
type Authenticator interface {
	Authenticate(ctx context.Context, accountID string) (BroadcastSession, error)
}

// MediaAcquirer materialises sources into playable locations.
type MediaAcquirer interface {
	Acquire(ctx context.Context, dir string, jobs []acquire.Job, lister acquire.PlaylistLister) (acquire.Result, error)
}

// EncoderRun is a supervised encoder.
type EncoderRun interface {
	Pid() int
	Done() <-chan struct{}
	Outcome() encoder.Outcome
	Stop(ctx context.Context) error
}

// EncoderLauncher starts supervised encoder runs.
type EncoderLauncher interface {
	Binary() string
	Start(ctx context.Context, inv encoder.Invocation, hooks encoder.Hooks) (EncoderRun, error)
}

type lifecycleAuthenticator struct {
	lifecycle *broadcast.Lifecycle
}

// LifecycleAuthenticator adapts a broadcast.Lifecycle.
func LifecycleAuthenticator(lifecycle *broadcast.Lifecycle) Authenticator {
	return lifecycleAuthenticator{lifecycle: lifecycle}
}

func (a lifecycleAuthenticator) Authenticate(ctx context.Context, accountID string) (BroadcastSession, error) {
	session, err := a.lifecycle.Authenticate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return session, nil
}

type supervisorLauncher struct {
	supervisor *encoder.Supervisor
}

// SupervisorLauncher adapts an encoder.Supervisor.
func SupervisorLauncher(supervisor *encoder.Supervisor) EncoderLauncher {
	return supervisorLauncher{supervisor: supervisor}
}

func (l supervisorLauncher) Binary() string {
	return l.supervisor.Binary()
}

func (l supervisorLauncher) Start(ctx context.Context, inv encoder.Invocation, hooks encoder.Hooks) (EncoderRun, error) {
	run, err := l.supervisor.Start(ctx, inv, hooks)
	if err != nil {
		return nil, err
	}
	return run, nil
}
