package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"fvgscanner/internal/model"
	"fvgscanner/internal/utils"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SubscriptionManager manages subscriber registration and message fan-out.
type SubscriptionManager interface {
	// Start begins message distribution until ctx is cancelled.
	Start(ctx context.Context) error

	// Subscribe registers a subscriber for the given symbols.
	Subscribe(symbols []string) (*Subscriber, error)

	// Unsubscribe removes a subscriber and closes its channel.
	Unsubscribe(sub *Subscriber) error
}

// Rescanner runs an immediate rescan of one symbol.
type Rescanner interface {
	ForceRescan(ctx context.Context, symbol string) (model.ScanReport, error)
}

// GapService implements the GapStream gRPC service on top of a hub.
//
// The service coordinates between:
//   - SubscriptionManager: subscriber lifecycle and batched delivery
//   - Rescanner: on-demand rescans of one symbol
//   - gRPC clients: streams of price and gap messages
type GapService struct {
	subscriptionManager SubscriptionManager
	rescanner           Rescanner
	started             atomic.Bool
	cancel              context.CancelFunc
}

// NewGapService creates a stopped GapService. rescanner may be nil, in which
// case Rescan reports Unimplemented.
func NewGapService(manager SubscriptionManager, rescanner Rescanner) *GapService {
	return &GapService{
		subscriptionManager: manager,
		rescanner:           rescanner,
	}
}

// Start starts message distribution.
func (gs *GapService) Start(ctx context.Context) error {
	if !gs.started.CompareAndSwap(false, true) {
		return errors.New("gap service has already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := gs.subscriptionManager.Start(ctx); err != nil {
		cancel()
		gs.started.Store(false)
		return fmt.Errorf("failed to start hub: %w", err)
	}

	gs.cancel = cancel
	return nil
}

// Stop shuts down distribution. Open streams end when their channel closes.
func (gs *GapService) Stop() error {
	if !gs.started.CompareAndSwap(true, false) {
		return errors.New("service not started")
	}

	if gs.cancel != nil {
		gs.cancel()
		gs.cancel = nil
	}

	log.Info().Msg("GapService stopped")
	return nil
}

// Subscribe streams messages for the requested symbols until the client
// disconnects. A failed send removes the subscriber.
func (gs *GapService) Subscribe(req *SubscriptionRequest, stream SubscribeServer) error {
	if !gs.started.Load() {
		return status.Error(codes.Unavailable, "gap service not started")
	}
	if req == nil {
		return status.Error(codes.InvalidArgument, "request cannot be nil")
	}

	symbols := utils.NormalizeSymbols(req.Symbols)
	for i, symbol := range symbols {
		if err := utils.ValidateSymbol(symbol); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid symbol at index %d (%q): %v", i, symbol, err)
		}
	}

	sub, err := gs.subscriptionManager.Subscribe(symbols)
	if err != nil {
		return status.Errorf(codes.ResourceExhausted, "failed to subscribe: %v", err)
	}

	defer func() {
		if err := gs.subscriptionManager.Unsubscribe(sub); err != nil {
			log.Error().Err(err).Strs("symbols", symbols).Msg("failed to unsubscribe")
		}
	}()

	log.Info().Str("subscriber", sub.ID()).Strs("symbols", symbols).Msg("new client subscription")

	for {
		select {
		case <-stream.Context().Done():
			log.Info().Str("subscriber", sub.ID()).Msg("client disconnected")
			return nil
		case msg, ok := <-sub.C():
			if !ok {
				log.Info().Str("subscriber", sub.ID()).Msg("subscription channel closed")
				return nil
			}

			if err := stream.Send(&msg); err != nil {
				log.Error().Err(err).Str("subscriber", sub.ID()).Msg("failed to send message to client")
				return fmt.Errorf("failed to send message: %w", err)
			}
		}
	}
}

// Rescan forces an immediate rescan of one symbol.
func (gs *GapService) Rescan(ctx context.Context, req *RescanRequest) (*model.ScanReport, error) {
	if gs.rescanner == nil {
		return nil, status.Error(codes.Unimplemented, "rescan not available")
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}

	symbol := utils.NormalizeSymbol(req.Symbol)
	if err := utils.ValidateSymbol(symbol); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid symbol %q: %v", req.Symbol, err)
	}

	report, err := gs.rescanner.ForceRescan(ctx, symbol)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("forced rescan failed")
		return nil, status.Errorf(codes.Internal, "rescan %s: %v", symbol, err)
	}
	return &report, nil
}
