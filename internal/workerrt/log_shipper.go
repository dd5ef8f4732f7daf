package workerrt

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/catalystcommunity/trainforge/orchestrator/internal/config"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/models"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/secrets"
)

// LogShipperConfig configures a LogShipper for one job/stream pair.
type LogShipperConfig struct {
	Client        *ControlPlaneClient
	JobID         string
	StreamType    string // "stdout" or "stderr"
	ChunkInterval time.Duration
	MaxLines      int
}

// LogShipper batches a container's stdout/stderr into bounded
// JobLogRecord chunks and POSTs them to the Control Plane's log-batch
// endpoint, masking secrets before anything leaves the worker. This
// replaces direct-to-object-store JSON blob shipping: the worker has no
// object store credentials of its own, only an API token.
type LogShipper struct {
	config LogShipperConfig
	masker *secrets.Masker

	mu       sync.Mutex
	lines    []string
	sequence int64
}

// NewLogShipper creates a new log shipper.
func NewLogShipper(cfg LogShipperConfig, masker *secrets.Masker) *LogShipper {
	if cfg.ChunkInterval == 0 {
		cfg.ChunkInterval = config.LogBatchInterval
	}
	if cfg.MaxLines == 0 {
		cfg.MaxLines = config.LogBatchMaxLines
	}
	return &LogShipper{
		config: cfg,
		masker: masker,
		lines:  make([]string, 0, cfg.MaxLines),
	}
}

// StreamAndShip reads from the reader line by line, masking secrets, and
// ships batches to the Control Plane on a timer and whenever the in-memory
// buffer hits MaxLines. It blocks until the reader is exhausted.
func (ls *LogShipper) StreamAndShip(ctx context.Context, reader io.ReadCloser) error {
	defer reader.Close()

	logger := obslog.Log.WithFields(map[string]interface{}{
		"job_id":      ls.config.JobID,
		"stream_type": ls.config.StreamType,
	})
	logger.Info("starting log streaming and shipping")

	ticker := time.NewTicker(ls.config.ChunkInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	defer close(done)
	go ls.periodicFlusher(ctx, ticker, done)

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if ls.masker != nil {
			line = ls.masker.MaskString(line)
		}

		ls.mu.Lock()
		ls.lines = append(ls.lines, line)
		full := len(ls.lines) >= ls.config.MaxLines
		ls.mu.Unlock()

		if full {
			if err := ls.flush(ctx); err != nil {
				logger.WithError(err).Warn("failed to flush full log batch")
			}
		}
	}

	if err := scanner.Err(); err != nil {
		logger.WithError(err).Error("error reading from stream")
		ls.flush(ctx)
		return err
	}

	if err := ls.flush(ctx); err != nil {
		logger.WithError(err).Error("failed to ship final log batch")
		return err
	}

	logger.Info("log streaming completed")
	return nil
}

func (ls *LogShipper) periodicFlusher(ctx context.Context, ticker *time.Ticker, done chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := ls.flush(ctx); err != nil {
				obslog.Log.WithField("job_id", ls.config.JobID).WithError(err).Warn("periodic log flush failed")
			}
		}
	}
}

func (ls *LogShipper) flush(ctx context.Context) error {
	ls.mu.Lock()
	if len(ls.lines) == 0 {
		ls.mu.Unlock()
		return nil
	}
	batch := ls.lines
	ls.lines = make([]string, 0, ls.config.MaxLines)
	seq := ls.sequence
	ls.sequence++
	ls.mu.Unlock()

	record := models.JobLogRecord{
		Sequence:  seq,
		Lines:     batch,
		Stream:    ls.config.StreamType,
		Timestamp: time.Now(),
	}
	return ls.config.Client.AppendLogs(ctx, ls.config.JobID, []models.JobLogRecord{record})
}
