package comms

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerRoundTrip(t *testing.T) {
	var mu sync.Mutex
	var received []Message
	srv := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0", WriteTimeout: time.Second},
		func(c *Conn, m Message) {
			mu.Lock()
			received = append(received, m)
			mu.Unlock()
		}, nil, quietLogger())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(encodeAll(t, &ExtendedTelemetry{BatLevel: 80, DroneSerial: "DRONE-7"}, sampleCoreTelemetry()))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		infos := srv.Connections()
		return len(infos) == 1 && infos[0].Serial == "DRONE-7"
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// command back to the drone
	require.NoError(t, srv.Send("DRONE-7", &EmergencyCommand{Action: EmergencyLandNow}))
	var got []Message
	client := NewReceiver(func(m Message) { got = append(got, m) }, WithReceiverLogger(quietLogger()))
	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(got) == 0 {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		client.Feed(buf[:n])
	}
	require.Len(t, got, 1)
	assert.Equal(t, EmergencyLandNow, got[0].(*EmergencyCommand).Action)

	assert.ErrorIs(t, srv.Send("unknown", &EmergencyCommand{}), ErrNotConnected)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Empty(t, srv.Connections())
	assert.ErrorIs(t, srv.Send("DRONE-7", &EmergencyCommand{}), ErrServerClosed)
}

func TestServerForgetsSerialOnDisconnect(t *testing.T) {
	srv := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0"}, nil, nil, quietLogger())
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write(encodeAll(t, &ExtendedTelemetry{DroneSerial: "GONE"}))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		infos := srv.Connections()
		return len(infos) == 1 && infos[0].Serial == "GONE"
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return len(srv.Connections()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, srv.Send("GONE", &EmergencyCommand{}), ErrNotConnected)
}
