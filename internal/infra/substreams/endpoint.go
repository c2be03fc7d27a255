package substreams

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	pbsubstreamsrpc "github.com/streamingfast/substreams/pb/sf/substreams/rpc/v2"
	pbsubstreams "github.com/streamingfast/substreams/pb/sf/substreams/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/vietddude/substreams-redis-sink/internal/core/domain"
	"github.com/vietddude/substreams-redis-sink/internal/core/stream"
)

const maxRecvMsgSize = 1 << 30

// Config configures an Endpoint.
type Config struct {
	URL             string
	APIToken        string
	Package         *pbsubstreams.Package
	FinalBlocksOnly bool
	ProductionMode  bool
	Logger          *slog.Logger
}

// Endpoint implements stream.Endpoint over the Substreams rpc v2 API.
type Endpoint struct {
	conn   *grpc.ClientConn
	client pbsubstreamsrpc.StreamClient
	cfg    Config
	logger *slog.Logger
}

var _ stream.Endpoint = (*Endpoint)(nil)

// NormalizeURL prefixes URLs without a scheme with https://.
func NormalizeURL(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	return "https://" + url
}

// dialTarget returns the gRPC target and whether TLS is required.
func dialTarget(url string) (string, bool) {
	url = NormalizeURL(url)
	if rest, ok := strings.CutPrefix(url, "http://"); ok {
		return strings.TrimSuffix(rest, "/"), false
	}

	target := strings.TrimSuffix(strings.TrimPrefix(url, "https://"), "/")
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	return target, true
}

// NewEndpoint creates the gRPC client. The connection is established lazily
// on the first Open.
func NewEndpoint(cfg Config) (*Endpoint, error) {
	if cfg.Package == nil {
		return nil, errors.New("substreams package is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	target, useTLS := dialTarget(cfg.URL)
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecvMsgSize)),
	}
	if useTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}

	logger.Info("Substreams endpoint configured", "target", target, "tls", useTLS)
	return newEndpoint(conn, cfg, logger), nil
}

func newEndpoint(conn *grpc.ClientConn, cfg Config, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		conn:   conn,
		client: pbsubstreamsrpc.NewStreamClient(conn),
		cfg:    cfg,
		logger: logger,
	}
}

// Open starts a Blocks stream for the session.
func (e *Endpoint) Open(ctx context.Context, session stream.Session) (stream.MessageStream, error) {
	req := &pbsubstreamsrpc.Request{
		StartBlockNum:   session.StartBlock,
		StartCursor:     session.Cursor.String(),
		StopBlockNum:    session.StopBlock,
		FinalBlocksOnly: e.cfg.FinalBlocksOnly,
		ProductionMode:  e.cfg.ProductionMode,
		OutputModule:    session.Module,
		Modules:         e.cfg.Package.GetModules(),
	}

	ctx, cancel := context.WithCancel(ctx)
	if e.cfg.APIToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+e.cfg.APIToken)
	}

	blocks, err := e.client.Blocks(ctx, req)
	if err != nil {
		cancel()
		return nil, ClassifyError(err)
	}
	e.logger.Debug("Blocks request sent",
		"session", session.ID,
		"module", session.Module,
		"start", session.StartBlock,
		"stop", session.StopBlock,
		"final_blocks_only", e.cfg.FinalBlocksOnly,
	)
	return &messageStream{blocks: blocks, cancel: cancel}, nil
}

// Close closes the gRPC connection.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

type messageStream struct {
	blocks pbsubstreamsrpc.Stream_BlocksClient
	cancel context.CancelFunc
}

func (s *messageStream) Recv() (stream.Message, error) {
	resp, err := s.blocks.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ClassifyError(err)
	}
	return toMessage(resp)
}

func (s *messageStream) Close() error {
	s.cancel()
	return nil
}

func toMessage(resp *pbsubstreamsrpc.Response) (stream.Message, error) {
	switch m := resp.GetMessage().(type) {
	case *pbsubstreamsrpc.Response_BlockScopedData:
		return blockData(m.BlockScopedData)
	case *pbsubstreamsrpc.Response_BlockUndoSignal:
		undo := m.BlockUndoSignal
		return &stream.BlockUndo{Undo: stream.Undo{
			LastValidBlockNumber: undo.GetLastValidBlock().GetNumber(),
			LastValidBlockID:     undo.GetLastValidBlock().GetId(),
			LastValidCursor:      domain.Cursor(undo.GetLastValidCursor()),
		}}, nil
	case *pbsubstreamsrpc.Response_Session:
		return &stream.SessionStarted{
			TraceID:            m.Session.GetTraceId(),
			ResolvedStartBlock: m.Session.GetResolvedStartBlock(),
		}, nil
	case *pbsubstreamsrpc.Response_Progress:
		return &stream.Progress{Kind: "progress"}, nil
	case *pbsubstreamsrpc.Response_FatalError:
		return &stream.FatalMessage{
			Module: m.FatalError.GetModule(),
			Reason: m.FatalError.GetReason(),
		}, nil
	default:
		return &stream.Progress{Kind: fmt.Sprintf("%T", m)}, nil
	}
}

func blockData(data *pbsubstreamsrpc.BlockScopedData) (stream.Message, error) {
	clock := data.GetClock()
	if clock == nil {
		return nil, stream.NewFatalError(errors.New("block scoped data without clock"))
	}

	output := data.GetOutput().GetMapOutput()
	return &stream.BlockData{Block: stream.NewBlock{
		Number:           clock.GetNumber(),
		ID:               clock.GetId(),
		Timestamp:        clock.GetTimestamp().AsTime(),
		Payload:          output.GetValue(),
		PayloadType:      output.GetTypeUrl(),
		FinalBlockHeight: data.GetFinalBlockHeight(),
		Cursor:           domain.Cursor(data.GetCursor()),
	}}, nil
}
