package journal

import (
	"context"
	"errors"
	"sync/atomic"

	"copy-trader-go/infrastructure/logger"
	"copy-trader-go/order"
)

// ErrQueueFull 写入队列已满，本轮记录被丢弃。
var ErrQueueFull = errors.New("journal queue full")

// Async 把 RecordPass 转为入队，由 Run 在后台写入下游，同步轮次不等待数据库。
type Async struct {
	next    order.PassRecorder
	queue   chan order.Pass
	log     *logger.Logger
	dropped atomic.Int64
}

func NewAsync(next order.PassRecorder, size int, log *logger.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Async{next: next, queue: make(chan order.Pass, size), log: log}
}

// RecordPass 非阻塞入队；队列满时丢弃并返回 ErrQueueFull。
func (a *Async) RecordPass(_ context.Context, p order.Pass) error {
	select {
	case a.queue <- p:
		return nil
	default:
		a.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped 因队列满丢弃的轮次数。
func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Run 消费队列直到 ctx 取消，退出前写完已入队的记录。
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.drain(context.WithoutCancel(ctx))
			return ctx.Err()
		case p := <-a.queue:
			a.write(ctx, p)
		}
	}
}

func (a *Async) drain(ctx context.Context) {
	for {
		select {
		case p := <-a.queue:
			a.write(ctx, p)
		default:
			return
		}
	}
}

func (a *Async) write(ctx context.Context, p order.Pass) {
	if err := a.next.RecordPass(ctx, p); err != nil {
		a.log.LogError(err, map[string]interface{}{"stage": "journal", "pass_id": p.ID})
	}
}
