package mp2i

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGatewaySession stubs the full session surface Run touches, so the
// bot can be started and stopped without a websocket.
type fakeGatewaySession struct {
	fakeSessionHandler
	opened atomic.Bool
	closed atomic.Bool
}

func (f *fakeGatewaySession) Open() error {
	f.opened.Store(true)
	return nil
}

func (f *fakeGatewaySession) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeGatewaySession) AddHandler(_ any) func() {
	return func() {}
}

func (f *fakeGatewaySession) SetIdentify(_ discordgo.Identify) {}

func (f *fakeGatewaySession) UpdateCustomStatus(_ string) error {
	return nil
}

func (f *fakeGatewaySession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return commands, nil
}

func TestBotRunLifecycle(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.API.Listen = "127.0.0.1:0"

	b, err := New(cfg)
	require.NoError(t, err)

	session := &fakeGatewaySession{}
	b.discord.session = session
	b.source = &fakeEventSource{snapshots: [][]RawEvent{nil}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- b.Run(ctx)
	}()

	select {
	case <-b.signalReady:
		//
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}
	assert.True(t, session.opened.Load())
	assert.NotNil(t, b.scheduler)

	cancel()

	select {
	case err = <-runErr:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}

	select {
	case <-b.eventShutdown:
		//
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for shutdown event")
	}
	assert.True(t, session.closed.Load())
}
