package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/karst-ml/karst/internal/logger"
	"github.com/karst-ml/karst/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Sink publishes embedding batches to an Arrow Flight server over DoPut.
type Sink struct {
	client  flight.Client
	mem     memory.Allocator
	log     logger.Logger
	timeout time.Duration
	dataset string
}

type SinkOption func(*Sink)

// WithTimeout bounds each Publish call.
func WithTimeout(d time.Duration) SinkOption {
	return func(s *Sink) { s.timeout = d }
}

func WithSinkLogger(log logger.Logger) SinkOption {
	return func(s *Sink) { s.log = log }
}

// WithDataset sets the leading element of the flight descriptor path.
func WithDataset(name string) SinkOption {
	return func(s *Sink) { s.dataset = name }
}

// NewSink dials addr over plaintext grpc.
func NewSink(addr string, opts ...SinkOption) (*Sink, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("export: dial %s: %w", addr, err)
	}
	s := &Sink{
		client:  client,
		mem:     memory.DefaultAllocator,
		log:     logger.Default(),
		timeout: defaultTimeout,
		dataset: "embeddings",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Publish ships one batch as a single record stream and waits for the
// server's acknowledgements. Batches without row ids get generated ones
// under a fresh batch id.
func (s *Sink) Publish(ctx context.Context, b Batch) error {
	batchID := uuid.NewString()
	if len(b.IDs) == 0 && len(b.Vectors) > 0 {
		b.IDs = rowIDs(batchID, len(b.Vectors))
	}
	rec, err := NewRecord(s.mem, b)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("export: open put stream: %w", err)
	}
	wr := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{s.dataset, batchID},
	})
	if err := wr.Write(rec); err != nil {
		return fmt.Errorf("export: write batch %s: %w", batchID, err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("export: close batch %s: %w", batchID, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("export: close put stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("export: batch %s rejected: %w", batchID, err)
		}
	}

	metrics.ExportBatches.Inc()
	s.log.Debug("batch published",
		"batch", batchID, "rows", rec.NumRows(), "dataset", s.dataset)
	return nil
}

func (s *Sink) Close() error {
	return s.client.Close()
}

func rowIDs(batchID string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s/%d", batchID, i)
	}
	return ids
}
