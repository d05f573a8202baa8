package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"fuzzcore/internal/session"
	"fuzzcore/internal/types"
	"fuzzcore/pkg/telemetry"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	TargetsKey        = "fuzzcore:targets"
	TaskStatusKeyTmpl = "global:task_status:%s" // global:task_status:<target_id> --> processing | canceled
)

// TargetSubmission is one member of the TargetsKey set
type TargetSubmission struct {
	TargetID         string       `json:"target_id"`
	Code             string       `json:"code"`
	Language         string       `json:"language"`
	Seeds            [][]byte     `json:"seeds,omitempty"`
	Dictionary       []string     `json:"dictionary,omitempty"`
	SeedFromAnalyzer bool         `json:"seed_from_analyzer"`
	Limits           types.Limits `json:"limits"`
}

// syncSubmissions grabs target submissions from redis and checks their status. New or
// changed submissions are handed to the session manager; canceled ones are removed and
// their sessions closed.
func (s *Scheduler) syncSubmissions(ctx context.Context) error {
	if s.redisClient == nil {
		return nil
	}
	s.logger.Debug("getting target submissions from redis")
	members, err := s.redisClient.SMembers(ctx, TargetsKey).Result()
	if err != nil {
		return err
	}

	active := 0
	for _, member := range members {
		sub := TargetSubmission{}
		if err := json.Unmarshal([]byte(member), &sub); err != nil {
			s.logger.Error("malformed target submission, skipping", zap.Error(err))
			continue
		}
		logger := s.logger.With(zap.String("target_id", sub.TargetID))

		status, err := s.redisClient.Get(ctx, fmt.Sprintf(TaskStatusKeyTmpl, sub.TargetID)).Result()
		if status != "processing" {
			// remove the submission from redis (only when status is "canceled")
			if status == "canceled" {
				if err := s.redisClient.SRem(ctx, TargetsKey, member).Err(); err != nil {
					logger.Error("failed to remove submission from redis", zap.Error(err))
				}
				s.cancelTarget(sub.TargetID)
			} else {
				logger.Debug("target not processing, skipping", zap.String("status", status), zap.Error(err))
			}
			continue
		}
		active++

		digest := sha256.Sum256([]byte(member))
		version := hex.EncodeToString(digest[:])
		if s.submitted[sub.TargetID] == version {
			continue
		}
		if err := s.submit(ctx, sub); err != nil {
			logger.Error("failed to submit target", zap.Error(err))
			continue
		}
		s.submitted[sub.TargetID] = version
	}
	s.logger.Debug("synced target submissions", zap.Int("active", active))
	return nil
}

func (s *Scheduler) submit(ctx context.Context, sub TargetSubmission) error {
	var exported string
	if s.redisClient != nil {
		// a missing trace context only means the submitter did not trace
		exported, _ = s.redisClient.Get(ctx, fmt.Sprintf(telemetry.SessionTraceKeyTmpl, sub.TargetID)).Result()
	}
	tracer := s.tracers.NewSessionTracer(ctx, exported, sub.TargetID, sub.Language)
	tracer.Start()
	defer tracer.End()
	ctx = telemetry.WithTracer(ctx, tracer)

	dictionary := sub.Dictionary
	if s.dicts != nil {
		tokens, err := s.dicts.GrabDict(ctx, sub.TargetID)
		if err != nil {
			s.logger.Warn("failed to grab dictionaries", zap.String("target_id", sub.TargetID), zap.Error(err))
		}
		dictionary = append(dictionary, tokens...)
	}
	_, err := s.manager.SubmitTarget(ctx, sub.TargetID, sub.Code, sub.Language, session.Options{
		Seeds:            sub.Seeds,
		Dictionary:       dictionary,
		Limits:           sub.Limits,
		SeedFromAnalyzer: sub.SeedFromAnalyzer,
	})
	if err != nil {
		tracer.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Scheduler) cancelTarget(targetID string) {
	if taskID, ok := s.carried[targetID]; ok {
		s.coordinator.Cancel(taskID)
		delete(s.carried, targetID)
	}
	delete(s.submitted, targetID)
	if s.manager.CloseSession(targetID) {
		s.logger.Info("target canceled", zap.String("target_id", targetID))
	}
}
