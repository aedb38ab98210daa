// Package notifications forwards selected gateway events to an outbound
// webhook, with at-most-once handling per event id and a bounded retry queue.
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dca57/MesSnippets-sub002/internal/config"
	"github.com/dca57/MesSnippets-sub002/pkg/cache"
	"github.com/dca57/MesSnippets-sub002/pkg/events"
	"github.com/dca57/MesSnippets-sub002/pkg/metrics"
	"go.uber.org/zap"
)

const maxBackoff = 5 * time.Minute

// Sender delivers one event to a destination.
type Sender interface {
	Send(ctx context.Context, event events.Event) error
}

// Service subscribes to the bus and delivers events through a Sender
type Service struct {
	cfg    config.NotificationsConfig
	sender Sender
	cache  *cache.Cache
	bus    *events.Bus
	logger *zap.Logger

	retryQueue chan *deliveryTask
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

type deliveryTask struct {
	event      events.Event
	retryCount int
}

// NewService creates a notification service. cache is used to drop
// duplicate event ids and may be nil.
func NewService(cfg config.NotificationsConfig, sender Sender, cache *cache.Cache, bus *events.Bus, logger *zap.Logger) *Service {
	return &Service{
		cfg:        cfg,
		sender:     sender,
		cache:      cache,
		bus:        bus,
		logger:     logger,
		retryQueue: make(chan *deliveryTask, cfg.RetryQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Start subscribes to the configured event types and starts retry workers.
func (s *Service) Start(ctx context.Context) {
	for _, t := range s.cfg.Events {
		s.bus.Subscribe(events.EventType(t), s.handleEvent)
	}

	for i := 0; i < s.cfg.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}

	s.logger.Info("notification service started",
		zap.Strings("events", s.cfg.Events),
		zap.Int("retry_workers", s.cfg.RetryWorkers),
	)
}

// Stop halts retry workers. Queued retries are dropped.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	s.logger.Info("notification service stopped")
}

func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	if s.isDuplicate(ctx, event.ID) {
		s.logger.Debug("duplicate event, skipping", zap.String("event_id", event.ID))
		return nil
	}

	task := &deliveryTask{event: event}
	if err := s.deliver(ctx, task); err != nil {
		s.enqueueRetry(task)
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, task *deliveryTask) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	eventType := string(task.event.Type)
	if err := s.sender.Send(ctx, task.event); err != nil {
		metrics.NotificationsDelivered.WithLabelValues(eventType, "failed").Inc()
		s.logger.Warn("notification delivery failed",
			zap.String("event_id", task.event.ID),
			zap.String("event_type", eventType),
			zap.Int("retry_count", task.retryCount),
			zap.Error(err),
		)
		return err
	}

	metrics.NotificationsDelivered.WithLabelValues(eventType, "success").Inc()
	return nil
}

func (s *Service) enqueueRetry(task *deliveryTask) {
	task.retryCount++
	if task.retryCount > s.cfg.MaxRetries {
		s.logger.Error("max retries exceeded, giving up",
			zap.String("event_id", task.event.ID),
			zap.Int("retry_count", task.retryCount-1),
		)
		return
	}

	select {
	case s.retryQueue <- task:
		metrics.NotificationQueueDepth.Set(float64(len(s.retryQueue)))
	default:
		s.logger.Error("retry queue full, dropping notification",
			zap.String("event_id", task.event.ID),
		)
	}
}

func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case task := <-s.retryQueue:
			metrics.NotificationQueueDepth.Set(float64(len(s.retryQueue)))

			timer := time.NewTimer(s.backoff(task.retryCount))
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(ctx, task); err != nil {
				s.enqueueRetry(task)
			}
		}
	}
}

// backoff is base * 2^(retryCount-1), capped.
func (s *Service) backoff(retryCount int) time.Duration {
	d := s.cfg.RetryBackoffBase * time.Duration(1<<uint(retryCount-1))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d
}

// isDuplicate claims the event id for 24h. Cache failures let the event
// through.
func (s *Service) isDuplicate(ctx context.Context, eventID string) bool {
	if s.cache == nil {
		return false
	}
	key := fmt.Sprintf("notification:processed:%s", eventID)
	set, err := s.cache.SetNX(ctx, key, "1", 24*time.Hour)
	if err != nil {
		s.logger.Error("failed to check duplicate", zap.Error(err))
		return false
	}
	return !set
}
