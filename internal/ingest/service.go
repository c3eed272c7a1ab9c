package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sentinelchain/sentinel/internal/fingerprint"
	"github.com/sentinelchain/sentinel/internal/ledger"
	"github.com/sentinelchain/sentinel/internal/metrics"
)

// defaultConfirmTimeout bounds the wait for ledger confirmation. A
// commit that has not confirmed by then surfaces as ledger.ErrUnavailable
// rather than hanging the request.
const defaultConfirmTimeout = 30 * time.Second

// Result is returned to the webhook caller after a confirmed commit.
type Result struct {
	Status string `json:"status"`
	TxHash string `json:"txHash"`
	LogID  string `json:"logId"`
}

// Service validates inbound alerts and commits their fingerprints to
// the ledger. Ingestion is synchronous: the caller learns the outcome
// only after the ledger has durably accepted the record.
type Service struct {
	client         ledger.Client
	confirmTimeout time.Duration
	logger         *zap.Logger
}

// NewService creates an ingestion Service on the given ledger client.
// confirmTimeout of 0 selects the default.
func NewService(client ledger.Client, confirmTimeout time.Duration, logger *zap.Logger) *Service {
	if confirmTimeout == 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	return &Service{client: client, confirmTimeout: confirmTimeout, logger: logger}
}

// Ingest parses the raw webhook body, fingerprints the full log and
// commits the record. Ledger failures are wrapped but keep their cause:
// errors.Is(err, ledger.ErrUnavailable) and ledger.ErrRejected still
// hold on the returned error. Malformed input never reaches the ledger.
func (s *Service) Ingest(ctx context.Context, body []byte) (*Result, error) {
	alert, err := ParseAlert(body)
	if err != nil {
		return nil, err
	}

	fp := fingerprint.Digest(alert.RawLog)

	cctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	receipt, err := s.client.Commit(cctx, alert.LogID, alert.AgentID, alert.Level, alert.Description, fp, alert.RawLog)
	if err != nil {
		metrics.RecordCommit(false)
		s.logger.Error("ledger commit failed",
			zap.String("log_id", alert.LogID),
			zap.String("agent_id", alert.AgentID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("ingest log %q: %w", alert.LogID, err)
	}
	metrics.RecordCommit(true)

	s.logger.Info("log stored on ledger",
		zap.String("log_id", alert.LogID),
		zap.String("agent_id", alert.AgentID),
		zap.Uint8("level", alert.Level),
		zap.String("tx_hash", receipt.TxHash),
	)

	return &Result{Status: "success", TxHash: receipt.TxHash, LogID: alert.LogID}, nil
}
