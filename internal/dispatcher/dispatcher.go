package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"edc-detector/internal/metrics"
	"edc-detector/internal/models"

	"go.uber.org/zap"
)

// Handler 状态变化订阅者
type Handler interface {
	HandleTransition(ctx context.Context, t models.Transition) error
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, t models.Transition) error

// HandleTransition 实现 Handler
func (f HandlerFunc) HandleTransition(ctx context.Context, t models.Transition) error {
	return f(ctx, t)
}

// LogAppender 事件日志写入接口
type LogAppender interface {
	Append(ctx context.Context, entry models.LogEntry) error
}

// ErrClosed 分发器已关闭
var ErrClosed = errors.New("dispatcher closed")

// Options 分发配置
type Options struct {
	QueueSize      int           // 每个订阅者的缓冲队列长度
	EnqueueTimeout time.Duration // 队列满时最长等待，超时丢弃
}

// subscriber 每个订阅者独立队列 + 独立 goroutine，保证单订阅者内按时间顺序
type subscriber struct {
	name    string
	handler Handler
	queue   chan models.Transition
	stop    chan struct{}
	done    chan struct{}
}

// Dispatcher 状态变化通知分发器
type Dispatcher struct {
	opts    Options
	log     LogAppender
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.RWMutex
	subs    map[string]*subscriber
	closed  bool
	pending sync.WaitGroup // 进行中的 Publish
	wg      sync.WaitGroup
}

// New 创建分发器
func New(opts Options, log LogAppender, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = 2 * time.Second
	}
	return &Dispatcher{
		opts:    opts,
		log:     log,
		metrics: m,
		logger:  logger,
		subs:    make(map[string]*subscriber),
	}
}

// Subscribe 注册订阅者，返回取消订阅函数
func (d *Dispatcher) Subscribe(name string, h Handler) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if _, exists := d.subs[name]; exists {
		return nil, fmt.Errorf("subscriber %q already registered", name)
	}

	sub := &subscriber{
		name:    name,
		handler: h,
		queue:   make(chan models.Transition, d.opts.QueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.subs[name] = sub
	d.wg.Add(1)
	go d.run(sub)

	d.logger.Info("Subscriber registered", zap.String("subscriber", name))
	return func() { d.unsubscribe(name) }, nil
}

// Publish 分发一次状态变化：先写事件日志，再投递到每个订阅者队列
// 日志写入失败返回 ErrLogWriteFailed，但投递照常进行
func (d *Dispatcher) Publish(ctx context.Context, t models.Transition) error {
	var logErr error
	if kind, ok := t.LogKind(); ok {
		entry := models.LogEntry{
			Timestamp: t.At,
			ItemID:    t.Item.ID,
			Kind:      kind,
			Location:  t.Item.LastLocation,
		}
		if err := d.log.Append(ctx, entry); err != nil {
			logErr = err
		}
	}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*subscriber, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.pending.Add(1)
	d.mu.RUnlock()
	defer d.pending.Done()

	// 所有已满队列共享同一个截止时间，单次 Publish 最多等待一个 EnqueueTimeout
	var wait context.Context
	for _, sub := range subs {
		if d.tryEnqueue(sub, t) {
			continue
		}
		if wait == nil {
			var cancel context.CancelFunc
			wait, cancel = context.WithTimeout(context.Background(), d.opts.EnqueueTimeout)
			defer cancel()
		}
		d.waitEnqueue(wait, sub, t)
	}
	return logErr
}

// Close 停止接收并等待所有订阅者队列排空
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := make([]*subscriber, 0, len(d.subs))
	for name, sub := range d.subs {
		subs = append(subs, sub)
		delete(d.subs, name)
	}
	d.mu.Unlock()

	d.pending.Wait()
	for _, sub := range subs {
		close(sub.stop)
	}
	d.wg.Wait()
}

func (d *Dispatcher) unsubscribe(name string) {
	d.mu.Lock()
	sub, ok := d.subs[name]
	if ok {
		delete(d.subs, name)
	}
	d.mu.Unlock()

	if ok {
		close(sub.stop)
		<-sub.done
	}
}

func (d *Dispatcher) tryEnqueue(sub *subscriber, t models.Transition) bool {
	select {
	case sub.queue <- t:
		return true
	default:
		return false
	}
}

// waitEnqueue 队列满时等待到截止时间，超时或订阅者已停止则丢弃
func (d *Dispatcher) waitEnqueue(wait context.Context, sub *subscriber, t models.Transition) {
	select {
	case sub.queue <- t:
		return
	case <-sub.stop:
	case <-wait.Done():
	}

	if d.metrics != nil {
		d.metrics.NotificationsDropped.WithLabelValues(sub.name).Inc()
	}
	d.logger.Warn("Subscriber queue full, notification dropped",
		zap.String("subscriber", sub.name),
		zap.String("item_id", t.Item.ID),
		zap.String("new_state", string(t.Current)),
	)
}

func (d *Dispatcher) run(sub *subscriber) {
	defer d.wg.Done()
	defer close(sub.done)

	for {
		select {
		case t := <-sub.queue:
			d.handle(sub, t)
		case <-sub.stop:
			// 停止后排空队列中已接收的通知
			for {
				select {
				case t := <-sub.queue:
					d.handle(sub, t)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) handle(sub *subscriber, t models.Transition) {
	if err := d.deliver(sub, t); err != nil {
		if d.metrics != nil {
			d.metrics.NotificationsFailed.WithLabelValues(sub.name).Inc()
		}
		d.logger.Error("Subscriber failed to handle transition",
			zap.String("subscriber", sub.name),
			zap.String("item_id", t.Item.ID),
			zap.String("previous_state", string(t.Previous)),
			zap.String("new_state", string(t.Current)),
			zap.Error(err),
		)
		return
	}
	if d.metrics != nil {
		d.metrics.NotificationsSent.WithLabelValues(sub.name).Inc()
	}
}

// deliver 隔离单个订阅者的 panic
func (d *Dispatcher) deliver(sub *subscriber, t models.Transition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler.HandleTransition(context.Background(), t)
}
