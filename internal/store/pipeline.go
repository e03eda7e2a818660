package store

import (
	"context"

	"github.com/gomodule/redigo/redis"

	"github.com/v0id-user/rwos/internal/apierrors"
)

// Pipeline is the thin abstraction Design Notes §9 calls for: "Pipelined
// Redis commands → a thin pipeline abstraction over the store client that
// queues commands and executes them in one network round trip; failures
// of any command fail the batch." It generalizes the teacher's inline
// conn.Send/Flush/Receive usage (worker_pool.go's writeKnownJobsToRedis,
// redis.go's Lua-script multi-key calls) into a reusable type so
// jobmanager/machinepool don't each hand-roll it.
type Pipeline struct {
	conn     redis.Conn
	queued   int
	firstErr error
}

// Pipeline opens a new pipeline on a fresh connection. Callers must call
// Exec (which closes the connection) exactly once.
func (c *Client) Pipeline() *Pipeline {
	return &Pipeline{conn: c.conn()}
}

// Send queues a command. Queuing failures are remembered and surface from
// Exec, so call sites can chain Sends without checking each one.
func (p *Pipeline) Send(cmd string, args ...interface{}) *Pipeline {
	if p.firstErr != nil {
		return p
	}
	if err := p.conn.Send(cmd, args...); err != nil {
		p.firstErr = err
		return p
	}
	p.queued++
	return p
}

// HSet queues an HSET of every field in m.
func (p *Pipeline) HSet(key string, m map[string]string) *Pipeline {
	if len(m) == 0 {
		return p
	}
	args := make([]interface{}, 0, 1+len(m)*2)
	args = append(args, key)
	for k, v := range m {
		args = append(args, k, v)
	}
	return p.Send("HSET", args...)
}

// Exec flushes every queued command and reads back all replies in order.
// If any command failed to queue, or any reply is itself an error, the
// whole batch is reported as failed (a redigo pipeline has no partial
// rollback; the spec's "failures of any command fail the batch" is
// honored by surfacing the first error encountered).
func (p *Pipeline) Exec(ctx context.Context) ([]interface{}, error) {
	defer p.conn.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.firstErr != nil {
		return nil, &apierrors.StoreError{Op: "PIPELINE_SEND", Err: p.firstErr}
	}
	if p.queued == 0 {
		return nil, nil
	}
	if err := p.conn.Flush(); err != nil {
		return nil, &apierrors.StoreError{Op: "PIPELINE_FLUSH", Err: err}
	}

	replies := make([]interface{}, 0, p.queued)
	for i := 0; i < p.queued; i++ {
		reply, err := p.conn.Receive()
		if err != nil {
			return nil, &apierrors.StoreError{Op: "PIPELINE_RECEIVE", Err: err}
		}
		replies = append(replies, reply)
	}
	return replies, nil
}
