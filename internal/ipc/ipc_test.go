package ipc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/events"
)

func startTestServer(t *testing.T, bus *events.Bus) (*Server, net.Conn) {
	t.Helper()
	srv := New(bus, zerolog.Nop())

	socketPath := filepath.Join(t.TempDir(), "sentinel.sock")
	require.NoError(t, srv.Listen("unix", socketPath))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	var dialErr error
	var clientConn net.Conn
	for i := 0; i < 50; i++ {
		clientConn, dialErr = net.Dial("unix", socketPath)
		if dialErr == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, dialErr)
	t.Cleanup(func() { _ = clientConn.Close() })

	return srv, clientConn
}

func sendRequest(t *testing.T, conn net.Conn, id, command string, params interface{}) outboundFrame {
	t.Helper()
	var raw msgpack.RawMessage
	if params != nil {
		b, err := msgpack.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	require.NoError(t, msgpack.NewEncoder(conn).Encode(&request{ID: id, Command: command, Params: raw}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame outboundFrame
	require.NoError(t, msgpack.NewDecoder(conn).Decode(&frame))
	return frame
}

func TestServer_DispatchesRegisteredCommand(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	srv, conn := startTestServer(t, bus)

	srv.Handle("ping", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		return map[string]string{"pong": "ok"}, nil
	})

	frame := sendRequest(t, conn, "req-1", "ping", nil)
	require.Equal(t, kindResponse, frame.Kind)
	require.Equal(t, "req-1", frame.RequestID)
	require.Nil(t, frame.Error)

	result, ok := frame.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", result["pong"])
}

func TestServer_UnknownCommandReturnsPayloadInvalidError(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	_, conn := startTestServer(t, bus)

	frame := sendRequest(t, conn, "req-2", "does_not_exist", nil)
	require.Equal(t, kindResponse, frame.Kind)
	require.NotNil(t, frame.Error)
	assert.Equal(t, string(apperr.PayloadInvalid), frame.Error.Code)
}

func TestServer_HandlerErrorPropagatesKindAndMessage(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	srv, conn := startTestServer(t, bus)

	srv.Handle("fail", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		return nil, apperr.New(apperr.NoActiveBroker, "no session")
	})

	frame := sendRequest(t, conn, "req-3", "fail", nil)
	require.NotNil(t, frame.Error)
	assert.Equal(t, string(apperr.NoActiveBroker), frame.Error.Code)
}

func TestServer_BroadcastsBusEventsToConnectedClients(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	_, conn := startTestServer(t, bus)

	// Give the connection's subscribe goroutine a moment to register before
	// publishing, since Publish never blocks for slow/absent subscribers.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(&events.AutoLogoutWarningData{BrokerID: "refbroker", MinutesRemaining: 5})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame outboundFrame
	require.NoError(t, msgpack.NewDecoder(conn).Decode(&frame))

	require.Equal(t, kindEvent, frame.Kind)
	require.NotNil(t, frame.Event)
	assert.Equal(t, events.AutoLogoutWarning, frame.Event.Type)
}

func TestServer_MalformedParamsReturnPayloadInvalid(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	srv, conn := startTestServer(t, bus)

	srv.Handle("needs_struct", func(ctx context.Context, params msgpack.RawMessage) (interface{}, error) {
		var v struct{ Count int }
		if err := unmarshal(params, &v); err != nil {
			return nil, err
		}
		return v, nil
	})

	frame := sendRequest(t, conn, "req-5", "needs_struct", "not the expected shape")
	require.NotNil(t, frame.Error)
	assert.Equal(t, string(apperr.PayloadInvalid), frame.Error.Code)
}
