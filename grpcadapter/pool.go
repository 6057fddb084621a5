package grpcadapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
)

// Dialer creates a gRPC client for the dial target.
type Dialer func(ctx context.Context, target string) (*grpc.ClientConn, error)

// DialedPool is a [ClientPool] of named connections created using a [Dialer].
type DialedPool struct {
	mu     sync.Mutex
	dialer Dialer
	conns  map[string]*DialedPoolController
}

func NewDialedPool(dialer Dialer) *DialedPool {
	return &DialedPool{
		dialer: dialer,
		conns:  make(map[string]*DialedPoolController),
	}
}

// Build dials the target, adapts the client and adds it to the pool under targetName.
// Dialers are expected not to block, in which case the connection is established in the background.
// Building an already existing target returns [ErrAlreadyDialed] along with the existing controller.
func (p *DialedPool) Build(ctx context.Context, targetName, dialTarget string) (*DialedPoolController, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if controller, ok := p.conns[targetName]; ok {
		return controller, ErrAlreadyDialed
	}

	conn, err := p.dialer(ctx, dialTarget)
	if err != nil {
		return nil, fmt.Errorf("dialing %q for %s: %w", dialTarget, targetName, err)
	}

	controller := &DialedPoolController{
		pool: p,
		name: targetName,
		conn: AdaptClient(conn),
	}
	p.conns[targetName] = controller

	return controller, nil
}

func (p *DialedPool) Get(target string) (ClientConn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	controller, ok := p.conns[target]
	if !ok {
		return nil, false
	}

	return controller.conn, true
}

// Close closes all the connections of the pool.
func (p *DialedPool) Close() {
	p.mu.Lock()
	controllers := make([]*DialedPoolController, 0, len(p.conns))
	for _, controller := range p.conns {
		controllers = append(controllers, controller)
	}
	p.mu.Unlock()

	for _, controller := range controllers {
		controller.Close()
	}
}

func (p *DialedPool) remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.conns, name)
}

// DialedPoolController controls the lifecycle of a single connection in a [DialedPool].
type DialedPoolController struct {
	pool *DialedPool

	name   string
	conn   ClientConn
	closed atomic.Bool
}

// Close removes this connection from the pool and closes it. Subsequent calls do nothing.
func (pw *DialedPoolController) Close() {
	if pw.closed.Swap(true) {
		return
	}

	pw.pool.remove(pw.name)
	pw.conn.Close()
}
