package async

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/kzinmr/askrelay/internal/ledger"
)

// Ensure Store implements ledger.Store.
var _ ledger.Store = (*Store)(nil)

// Store wraps a ledger.Store so that Record never blocks a relay. Entries are
// queued in memory and written in batches; they may be lost if the process
// crashes before a flush.
type Store struct {
	underlying    ledger.Store
	entryChan     chan ledger.Entry
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup
	stopChan      chan struct{}
	closeOnce     sync.Once
	logger        *log.Logger

	mu      sync.Mutex
	dropped int64
}

// Config configures the async ledger behavior.
type Config struct {
	BatchSize     int           // maximum entries per batch (default 100)
	FlushInterval time.Duration // maximum time between flushes (default 1s)
	ChannelBuffer int           // queued entries before dropping (default 1000)
	Logger        *log.Logger
}

// New wraps an existing ledger store with async batch writing.
func New(underlying ledger.Store, cfg Config) *Store {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 1000
	}

	s := &Store{
		underlying:    underlying,
		entryChan:     make(chan ledger.Entry, cfg.ChannelBuffer),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopChan:      make(chan struct{}),
		logger:        cfg.Logger,
	}
	s.wg.Add(1)
	go s.batchWriter()
	return s
}

func (s *Store) batchWriter() {
	defer s.wg.Done()

	batch := make([]ledger.Entry, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx := context.Background()
		failed := 0
		for _, entry := range batch {
			if err := s.underlying.Record(ctx, entry); err != nil {
				failed++
				if s.logger != nil {
					s.logger.Printf("[async-ledger] ERROR writing entry: %v", err)
				}
			}
		}
		if failed > 0 && s.logger != nil {
			s.logger.Printf("[async-ledger] flushed %d/%d entries", len(batch)-failed, len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-s.entryChan:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopChan:
			for {
				select {
				case entry := <-s.entryChan:
					batch = append(batch, entry)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// Record queues an entry without blocking. Invalid entries are rejected
// immediately; a full queue drops the entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case <-s.stopChan:
		return nil
	default:
	}
	select {
	case s.entryChan <- entry:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		if s.logger != nil {
			s.logger.Printf("[async-ledger] WARNING: queue full, dropping entry")
		}
	}
	return nil
}

// Dropped reports how many entries were discarded because the queue was full.
func (s *Store) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Summary delegates to the underlying store.
func (s *Store) Summary(ctx context.Context, since time.Time) (ledger.Summary, error) {
	return s.underlying.Summary(ctx, since)
}

// ListRecent delegates to the underlying store.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ledger.Entry, error) {
	return s.underlying.ListRecent(ctx, limit)
}

// Ping forwards to the underlying store when it supports health checks.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.underlying.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close flushes remaining entries and closes the underlying store.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		err = s.underlying.Close()
	})
	return err
}
