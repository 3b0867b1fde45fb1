package coord

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// TTLs bundles the self-expiry windows for each key family.
type TTLs struct {
	Score      time.Duration
	Prediction time.Duration
	Action     time.Duration
}

// Store wraps a Provider with typed, structured encode/decode for the
// engine's coordination keys. Values are JSON; nothing is ever eval'd back
// from raw strings.
type Store struct {
	provider Provider
	ttls     TTLs
}

// NewStore constructs a Store. A nil provider degrades to NoopProvider.
func NewStore(provider Provider, ttls TTLs) *Store {
	if provider == nil {
		provider = NoopProvider{}
	}
	if ttls.Score <= 0 {
		ttls.Score = 5 * time.Minute
	}
	if ttls.Prediction <= 0 {
		ttls.Prediction = 10 * time.Minute
	}
	if ttls.Action <= 0 {
		ttls.Action = time.Hour
	}
	return &Store{provider: provider, ttls: ttls}
}

func scoreKey(service string) string      { return "health_score:" + service }
func predictionKey(service string) string { return "prediction:" + service }
func actionKey(id string) string          { return "action:" + id }
func cooldownKey(service string) string   { return "cooldown:" + service }
func claimKey(service string) string      { return "action_claim:" + service }

// SaveScore persists the latest health score with a short TTL.
func (s *Store) SaveScore(ctx context.Context, score models.HealthScore) error {
	return s.put(ctx, scoreKey(score.Service), score, s.ttls.Score)
}

// Score loads the last persisted health score for a service.
func (s *Store) Score(ctx context.Context, service string) (models.HealthScore, error) {
	var score models.HealthScore
	err := s.get(ctx, scoreKey(service), &score)
	return score, err
}

// SavePrediction persists the latest failure prediction.
func (s *Store) SavePrediction(ctx context.Context, prediction models.FailurePrediction) error {
	return s.put(ctx, predictionKey(prediction.Service), prediction, s.ttls.Prediction)
}

// Prediction loads the last persisted failure prediction for a service.
func (s *Store) Prediction(ctx context.Context, service string) (models.FailurePrediction, error) {
	var prediction models.FailurePrediction
	err := s.get(ctx, predictionKey(service), &prediction)
	return prediction, err
}

// SaveAction mirrors a recovery action for crash recovery.
func (s *Store) SaveAction(ctx context.Context, action models.RecoveryAction) error {
	return s.put(ctx, actionKey(action.ID), action, s.ttls.Action)
}

// Action loads a mirrored recovery action by id.
func (s *Store) Action(ctx context.Context, id string) (models.RecoveryAction, error) {
	var action models.RecoveryAction
	err := s.get(ctx, actionKey(id), &action)
	return action, err
}

// DeleteAction removes a mirrored action once it leaves the retention window.
func (s *Store) DeleteAction(ctx context.Context, id string) error {
	return s.provider.Del(ctx, actionKey(id))
}

// SaveCooldown persists a cooldown keyed by service. The TTL equals the
// remaining window so the key self-expires with the cooldown.
func (s *Store) SaveCooldown(ctx context.Context, cooldown models.Cooldown) error {
	remaining := time.Until(cooldown.ExpiresAt)
	if remaining <= 0 {
		return nil
	}
	return s.put(ctx, cooldownKey(cooldown.Service), cooldown, remaining)
}

// Cooldown loads an active cooldown for a service, if any.
func (s *Store) Cooldown(ctx context.Context, service string) (models.Cooldown, error) {
	var cooldown models.Cooldown
	err := s.get(ctx, cooldownKey(service), &cooldown)
	return cooldown, err
}

// DropCooldown removes a cooldown before its natural expiry.
func (s *Store) DropCooldown(ctx context.Context, service string) error {
	return s.provider.Del(ctx, cooldownKey(service))
}

// Flush drops the shared cache namespace key for a service. The flush is
// namespace-wide; the provider does not support prefix scoping.
func (s *Store) Flush(ctx context.Context, service string) error {
	return s.provider.Del(ctx, "cache:"+service)
}

// ClaimAction atomically claims the execution slot for a service across
// engine replicas. The claim self-expires after ttl so a crashed holder
// cannot wedge the service.
func (s *Store) ClaimAction(ctx context.Context, service, actionID string, ttl time.Duration) (bool, error) {
	return s.provider.SetNX(ctx, claimKey(service), []byte(actionID), ttl)
}

// ReleaseClaim frees the per-service execution slot.
func (s *Store) ReleaseClaim(ctx context.Context, service string) error {
	return s.provider.Del(ctx, claimKey(service))
}

func (s *Store) put(ctx context.Context, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.provider.Set(ctx, key, payload, ttl); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string, out any) error {
	payload, err := s.provider.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
