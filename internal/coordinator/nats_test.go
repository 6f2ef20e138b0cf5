package coordinator

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/require"
)

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

func newTestNATS(t *testing.T, url string) *NATS {
	t.Helper()
	b, err := NewNATS(NATSOptions{URL: url, Bucket: "ws_conn_test", KeyTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNATSBackend(t *testing.T) {
	s := runNATSServer(t)
	exerciseBackend(t, newTestNATS(t, s.ClientURL()))
}

func TestNATSCrossNodeDelivery(t *testing.T) {
	s := runNATSServer(t)
	// The second connection finds the bucket created by the first.
	n1 := New(nil, newTestNATS(t, s.ClientURL()), Options{NodeID: "node-1"})
	n2 := New(nil, newTestNATS(t, s.ClientURL()), Options{NodeID: "node-2"})
	runCrossNode(t, n1, n2)
}
