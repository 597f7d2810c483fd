package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// rawCodec passes payload bytes straight through, the same technique
// generic gRPC proxies use to forward a request without knowing its
// protobuf schema. It is registered once under the "raw" content-subtype so
// DownstreamClient never needs a compiled .proto for the services it
// forwards to — the processor only has an opaque cmd_id payload to relay.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("router: rawCodec.Marshal: unsupported type %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("router: rawCodec.Unmarshal: unsupported type %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "raw" }

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// DownstreamClient forwards a processor cmd_id dispatch to the backend
// microservice that owns it. One
// connection per endpoint is cached and reused; connections are read-only
// after creation, so the hot path takes only a read lock on the cache.
type DownstreamClient struct {
	mu    sync.RWMutex
	conns map[string]*grpc.ClientConn
}

func NewDownstreamClient() *DownstreamClient {
	return &DownstreamClient{conns: make(map[string]*grpc.ClientConn)}
}

func (d *DownstreamClient) connFor(endpoint string) (*grpc.ClientConn, error) {
	d.mu.RLock()
	conn, ok := d.conns[endpoint]
	d.mu.RUnlock()
	if ok {
		return conn, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if conn, ok := d.conns[endpoint]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("router: downstream: dial %s: %w", endpoint, err)
	}
	d.conns[endpoint] = conn
	return conn, nil
}

// Dispatch relays payload to svc.Endpoint's "/gateway.downstream/Dispatch"
// method, bounded by the service's configured timeout.
func (d *DownstreamClient) Dispatch(ctx context.Context, svc Service, payload []byte) ([]byte, error) {
	conn, err := d.connFor(svc.Endpoint)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(svc.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var out []byte
	in := payload
	err = conn.Invoke(ctx, "/gateway.downstream/Dispatch", &in, &out, grpc.CallContentSubtype("raw"))
	if err != nil {
		return nil, fmt.Errorf("router: downstream: dispatch to %s: %w", svc.Name, err)
	}
	return out, nil
}

func (d *DownstreamClient) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for endpoint, conn := range d.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("router: downstream: close %s: %w", endpoint, err)
		}
	}
	return firstErr
}
