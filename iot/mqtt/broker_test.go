package mqtt

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/actuation/iot/sessions"
)

type failingWriter struct{}

func (failingWriter) Put(ctx context.Context, deviceID, address string) error {
	return errors.New("database down")
}

func (failingWriter) Remove(ctx context.Context, deviceID, address string) error {
	return errors.New("database down")
}

func newTestPlugin(w sessions.Writer) *plugin {
	return &plugin{
		sessions:       w,
		address:        "broker-a:1883",
		internalPrefix: "actuation-",
		commonNames:    make(map[net.Conn]string),
	}
}

func TestSessionTracking(t *testing.T) {
	ctx := context.Background()
	directory := sessions.NewMemory()
	p := newTestPlugin(directory)

	p.connected(ctx, "d1")
	address, found, err := directory.ServerAddress(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "broker-a:1883", address)

	// the actuation service's own connectors are not devices
	p.connected(ctx, "actuation-1234")
	_, found, _ = directory.ServerAddress(ctx, "actuation-1234")
	assert.False(t, found)

	p.disconnected(ctx, "d1")
	_, found, _ = directory.ServerAddress(ctx, "d1")
	assert.False(t, found)
}

func TestSessionTrackingKeepsNewerSession(t *testing.T) {
	ctx := context.Background()
	directory := sessions.NewMemory()
	p := newTestPlugin(directory)

	p.connected(ctx, "d1")
	// the device reconnected through another broker before this one noticed the close
	require.NoError(t, directory.Put(ctx, "d1", "broker-b:1883"))
	p.disconnected(ctx, "d1")

	address, found, err := directory.ServerAddress(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "broker-b:1883", address)
}

func TestSessionTrackingFailuresAreLogged(t *testing.T) {
	p := newTestPlugin(failingWriter{})
	assert.NotPanics(t, func() {
		p.connected(context.Background(), "d1")
		p.disconnected(context.Background(), "d1")
	})
}

func TestMayReceive(t *testing.T) {
	p := newTestPlugin(sessions.NewMemory())
	tests := []struct {
		clientID string
		filter   string
		allowed  bool
	}{
		{"d1", "a1/d1", true},
		{"d1", "+/d1", true},
		{"d1", "a1/d2", false},
		{"d1", "a1/d1/extra", false},
		{"d1", "#", false},
		{"d1", "a1/#", false},
		{"actuation-1234", "a1/#", true},
	}
	for _, tt := range tests {
		t.Run(tt.clientID+" "+tt.filter, func(t *testing.T) {
			assert.Equal(t, tt.allowed, p.mayReceive(tt.clientID, tt.filter))
		})
	}
}
