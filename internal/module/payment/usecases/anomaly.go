package usecases

import (
	"context"
	"errors"
	"fmt"

	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/request"
	"payment-service/internal/module/payment/models/response"
	"payment-service/internal/module/payment/repositories"
	internalErrors "payment-service/internal/pkg/errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ListAnomalies implements Usecase.
func (u *usecase) ListAnomalies(ctx context.Context, payload *request.ListAnomalies) ([]response.Anomaly, error) {
	limit := payload.Limit
	if limit <= 0 {
		limit = defaultAnomalyLimit
	}

	anomalies, err := u.repo.ListAnomalies(ctx, payload.Unresolved, limit)
	if err != nil {
		u.log.Error(ctx, "error list anomalies", zap.Error(err))
		return nil, internalErrors.InternalServerError("error list anomalies")
	}

	views := make([]response.Anomaly, 0, len(anomalies))
	for _, a := range anomalies {
		views = append(views, anomalyView(a))
	}
	return views, nil
}

// RequestReplay queues a held event to run through reconciliation again,
// optionally pinned to a booking chosen by an operator.
func (u *usecase) RequestReplay(ctx context.Context, anomalyID string, payload *request.Replay) error {
	anomaly, err := u.anomaly(ctx, anomalyID)
	if err != nil {
		return err
	}
	if anomaly.ResolvedAt.Valid {
		return internalErrors.Conflict("anomaly already resolved")
	}
	if !anomaly.Kind.Replayable() {
		return internalErrors.UnprocessableEntity(fmt.Sprintf("%s anomalies cannot be replayed", anomaly.Kind))
	}

	body, err := json.Marshal(request.ReplayMessage{AnomalyID: anomaly.ID.String(), BookingID: payload.BookingID})
	if err != nil {
		return internalErrors.InternalServerError("error encode replay")
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	if err := u.publisher.Publish(TopicAnomalyReplay, msg); err != nil {
		u.log.Error(ctx, "error publish replay", zap.String("anomaly_id", anomalyID), zap.Error(err))
		return internalErrors.ServiceUnavailable("error queue replay")
	}

	u.log.Info(ctx, "anomaly replay requested", zap.String("anomaly_id", anomalyID), zap.Int64("booking_id", payload.BookingID))
	return nil
}

// ResolveAnomaly closes an anomaly an operator reconciled by hand.
func (u *usecase) ResolveAnomaly(ctx context.Context, anomalyID string) error {
	anomaly, err := u.anomaly(ctx, anomalyID)
	if err != nil {
		return err
	}

	resolved, err := u.repo.ResolveAnomaly(ctx, anomaly.ID)
	if err != nil {
		u.log.Error(ctx, "error resolve anomaly", zap.String("anomaly_id", anomalyID), zap.Error(err))
		return internalErrors.InternalServerError("error resolve anomaly")
	}
	if !resolved {
		return internalErrors.Conflict("anomaly already resolved")
	}
	return nil
}

// Replay re-parses the stored payload of a held event and reconciles it under
// the dedup key replay:<anomaly id>. The anomaly is resolved in the same
// database transaction when the event lands.
func (u *usecase) Replay(ctx context.Context, payload *request.ReplayMessage) (entity.Outcome, error) {
	anomaly, err := u.anomaly(ctx, payload.AnomalyID)
	if err != nil {
		return "", err
	}
	if anomaly.ResolvedAt.Valid {
		u.log.Info(ctx, "anomaly already resolved, replay skipped", zap.String("anomaly_id", payload.AnomalyID))
		return entity.OutcomeDuplicate, nil
	}
	if !anomaly.Kind.Replayable() {
		return "", internalErrors.UnprocessableEntity(fmt.Sprintf("%s anomalies cannot be replayed", anomaly.Kind))
	}

	adapter, ok := u.registry.Get(anomaly.Provider)
	if !ok {
		return "", internalErrors.UnprocessableEntity("provider not enabled")
	}

	n, err := adapter.Parse(ctx, anomaly.RawPayload)
	if err != nil {
		u.log.Error(ctx, "error parse held payload", zap.String("anomaly_id", payload.AnomalyID), zap.Error(err))
		return "", fmt.Errorf("parse held payload: %w", err)
	}
	if len(n.Payload) == 0 {
		n.Payload = anomaly.RawPayload
	}

	outcome, err := u.reconcile(ctx, n, reconcileOptions{
		dedupKey:  "replay:" + anomaly.ID.String(),
		replayOf:  uuid.NullUUID{UUID: anomaly.ID, Valid: true},
		bookingID: payload.BookingID,
	})
	if err != nil {
		return "", err
	}

	u.log.Info(ctx, "anomaly replayed", zap.String("anomaly_id", payload.AnomalyID), zap.String("outcome", string(outcome)))
	return outcome, nil
}

func (u *usecase) anomaly(ctx context.Context, anomalyID string) (entity.Anomaly, error) {
	id, err := uuid.Parse(anomalyID)
	if err != nil {
		return entity.Anomaly{}, internalErrors.BadRequest("invalid anomaly id")
	}
	anomaly, err := u.repo.FindAnomalyByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return entity.Anomaly{}, internalErrors.NotFound("anomaly not found")
	}
	if err != nil {
		u.log.Error(ctx, "error find anomaly", zap.String("anomaly_id", anomalyID), zap.Error(err))
		return entity.Anomaly{}, internalErrors.InternalServerError("error find anomaly")
	}
	return anomaly, nil
}
