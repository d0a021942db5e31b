package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/avvvet/veribuddy-dispatch/internal/config"
	"github.com/avvvet/veribuddy-dispatch/internal/handlers"
	"github.com/avvvet/veribuddy-dispatch/internal/models"
)

// NATSTransport fronts the dispatcher with request/reply subjects: one for
// inbound chat messages, one for health snapshots.
type NATSTransport struct {
	conn       *nats.Conn
	config     *config.Config
	dispatcher *handlers.Dispatcher
	logger     zerolog.Logger
}

func NewNATSTransport(cfg *config.Config, dispatcher *handlers.Dispatcher, logger zerolog.Logger) (*NATSTransport, error) {
	conn, err := nats.Connect(cfg.NatsURL,
		nats.Name(cfg.ServiceName),
		nats.Timeout(cfg.NatsTimeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	transportLogger := logger.With().Str("component", "transport").Logger()
	transportLogger.Info().Str("url", cfg.NatsURL).Msg("connected to NATS server")

	return &NATSTransport{
		conn:       conn,
		config:     cfg,
		dispatcher: dispatcher,
		logger:     transportLogger,
	}, nil
}

func (nt *NATSTransport) Start() error {
	if _, err := nt.conn.Subscribe(nt.config.NatsRequestSubject, nt.handleDispatchRequest); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", nt.config.NatsRequestSubject, err)
	}
	if _, err := nt.conn.Subscribe(nt.config.NatsHealthSubject, nt.handleHealthRequest); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", nt.config.NatsHealthSubject, err)
	}

	nt.logger.Info().
		Str("subject", nt.config.NatsRequestSubject).
		Str("health_subject", nt.config.NatsHealthSubject).
		Msg("subscribed")
	return nil
}

func (nt *NATSTransport) handleDispatchRequest(msg *nats.Msg) {
	var request models.DispatchRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		nt.logger.Warn().Err(err).Msg("error parsing request")
		nt.respond(msg, &models.DispatchResult{
			Type:      models.ResultError,
			Message:   "Invalid request format",
			ErrorCode: models.ErrorParseError,
		})
		return
	}

	nt.logger.Debug().
		Str("user", request.UserID).
		Str("channel", request.ChannelID).
		Msg("processing dispatch request")

	// The dispatcher has no cancellation hooks of its own; this timeout is
	// the caller-side budget the concurrency model requires.
	ctx, cancel := context.WithTimeout(context.Background(), nt.config.NatsTimeout)
	defer cancel()

	result := nt.dispatcher.Dispatch(ctx, &request)
	nt.respond(msg, result)
}

func (nt *NATSTransport) handleHealthRequest(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), nt.config.NatsTimeout)
	defer cancel()

	snapshot := nt.dispatcher.HealthSnapshot(ctx)
	payload, err := json.Marshal(&snapshot)
	if err != nil {
		nt.logger.Warn().Err(err).Msg("error marshaling health snapshot")
		return
	}
	if err := msg.Respond(payload); err != nil {
		nt.logger.Warn().Err(err).Msg("error sending health snapshot")
	}
}

func (nt *NATSTransport) respond(msg *nats.Msg, result *models.DispatchResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		nt.logger.Warn().Err(err).Msg("error marshaling result")
		return
	}
	if err := msg.Respond(payload); err != nil {
		nt.logger.Warn().Err(err).Msg("error sending result")
		return
	}
	nt.logger.Debug().Str("type", result.Type).Msg("result sent")
}

func (nt *NATSTransport) Close() error {
	if nt.conn != nil {
		nt.conn.Close()
		nt.logger.Info().Msg("NATS connection closed")
	}
	return nil
}
