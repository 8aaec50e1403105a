package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records deliveries and can be told to fail.
type fakeSender struct {
	name string
	fail bool
	sent []string
}

func (s *fakeSender) Send(_ context.Context, title, _ string) error {
	if s.fail {
		return errors.New("http 503")
	}
	s.sent = append(s.sent, title)
	return nil
}

func (s *fakeSender) Name() string { return s.name }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifyFiltersByEvent(t *testing.T) {
	sender := &fakeSender{name: "telegram"}
	n := NewNotifier([]Sender{sender}, []string{"kill", "hold"}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "rescue", "rescue complete", "..."))
	assert.Empty(t, sender.sent, "event not in the allowed set is dropped silently")

	require.NoError(t, n.Notify(context.Background(), "kill", "trading killed", "..."))
	assert.Equal(t, []string{"trading killed"}, sender.sent)
}

func TestNotifyEmptyEventListAllowsEverything(t *testing.T) {
	sender := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())

	require.NoError(t, n.Notify(context.Background(), "anything", "t", "m"))
	assert.Len(t, sender.sent, 1)
}

func TestNotifyAllBypassesFilter(t *testing.T) {
	sender := &fakeSender{name: "telegram"}
	n := NewNotifier([]Sender{sender}, []string{"kill"}, discardLogger())

	require.NoError(t, n.NotifyAll(context.Background(), "tamper detected", "..."))
	assert.Equal(t, []string{"tamper detected"}, sender.sent)
}

func TestDispatchContinuesPastFailingSender(t *testing.T) {
	bad := &fakeSender{name: "telegram", fail: true}
	good := &fakeSender{name: "discord"}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.Notify(context.Background(), "hold", "trading held", "...")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
	assert.Len(t, good.sent, 1, "one broken channel must not mute the others")
}

func TestNotifierWithoutSendersIsSilent(t *testing.T) {
	n := NewNotifier(nil, nil, discardLogger())
	assert.NoError(t, n.Notify(context.Background(), "kill", "t", "m"))
}
