// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/BV-BRC/workflow-engine/internal/config"
	"github.com/BV-BRC/workflow-engine/internal/model"
	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

// MongoStore persists workflow documents in a MongoDB collection with a
// unique index on workflow_id. All counter and array mutations run as
// single-document atomic updates.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *slog.Logger
}

// NewMongoStore connects to MongoDB, verifies connectivity with a
// retried ping, and ensures the workflow_id unique index.
func NewMongoStore(ctx context.Context, cfg config.MongoConfig, logger *slog.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URI()).
		SetServerSelectionTimeout(10*time.Second))
	if err != nil {
		return nil, &errors.TransientError{Op: "mongodb connect", Cause: err}
	}

	// Mongo may still be starting when the service comes up, so the
	// initial ping retries with exponential backoff.
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if pingErr := client.Ping(ctx, nil); pingErr != nil {
			logger.Warn("mongodb not reachable yet, retrying", "error", pingErr)
			return struct{}{}, pingErr
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &errors.TransientError{Op: "mongodb ping", Cause: err}
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, &errors.TransientError{Op: "mongodb index", Cause: err}
	}

	logger.Info("connected to mongodb",
		"database", cfg.Database,
		"collection", cfg.Collection)

	return &MongoStore{
		client:     client,
		collection: coll,
		logger:     logger,
	}, nil
}

// Save implements Store.
func (s *MongoStore) Save(ctx context.Context, wf *model.Workflow) error {
	doc := wf.Clone()
	doc.UpdatedAt = time.Now().UTC()
	_, err := s.collection.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &errors.ConflictError{Resource: "workflow", ID: wf.WorkflowID}
		}
		return errors.Wrap(err, "inserting workflow")
	}
	return nil
}

// Replace implements Store.
func (s *MongoStore) Replace(ctx context.Context, wf *model.Workflow) error {
	doc := wf.Clone()
	doc.UpdatedAt = time.Now().UTC()
	res, err := s.collection.ReplaceOne(ctx, bson.M{"workflow_id": wf.WorkflowID}, doc)
	if err != nil {
		return errors.Wrap(err, "replacing workflow")
	}
	if res.MatchedCount == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: wf.WorkflowID}
	}
	return nil
}

// Get implements Store.
func (s *MongoStore) Get(ctx context.Context, workflowID string) (*model.Workflow, error) {
	var wf model.Workflow
	err := s.collection.FindOne(ctx, bson.M{"workflow_id": workflowID}).Decode(&wf)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, &errors.NotFoundError{Resource: "workflow", ID: workflowID}
		}
		return nil, errors.Wrap(err, "fetching workflow")
	}
	return &wf, nil
}

// ListByStatus implements Store.
func (s *MongoStore) ListByStatus(ctx context.Context, status model.WorkflowStatus) ([]*model.Workflow, error) {
	return s.list(ctx, bson.M{"status": string(status)})
}

// ListActive implements Store.
func (s *MongoStore) ListActive(ctx context.Context) ([]*model.Workflow, error) {
	statuses := []string{
		string(model.WorkflowPending),
		string(model.WorkflowQueued),
		string(model.WorkflowRunning),
	}
	return s.list(ctx, bson.M{"status": bson.M{"$in": statuses}})
}

func (s *MongoStore) list(ctx context.Context, filter bson.M) ([]*model.Workflow, error) {
	cursor, err := s.collection.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, errors.Wrap(err, "listing workflows")
	}
	defer cursor.Close(ctx)

	var out []*model.Workflow
	for cursor.Next(ctx) {
		var wf model.Workflow
		if err := cursor.Decode(&wf); err != nil {
			return nil, errors.Wrap(err, "decoding workflow")
		}
		out = append(out, &wf)
	}
	if err := cursor.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating workflows")
	}
	return out, nil
}

// UpdateWorkflowFields implements Store.
func (s *MongoStore) UpdateWorkflowFields(ctx context.Context, workflowID string, updates map[string]any) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	for key, value := range updates {
		set[key] = normalizeValue(value)
	}
	return s.updateOne(ctx, bson.M{"workflow_id": workflowID}, bson.M{"$set": set}, workflowID)
}

// UpdateStepFields implements Store.
func (s *MongoStore) UpdateStepFields(ctx context.Context, workflowID, stepID string, updates map[string]any) error {
	filter := bson.M{"workflow_id": workflowID, "steps.step_id": stepID}
	return s.updateOne(ctx, filter, stepUpdate(updates), workflowID)
}

// UpdateStepByName implements Store.
func (s *MongoStore) UpdateStepByName(ctx context.Context, workflowID, stepName string, updates map[string]any) error {
	filter := bson.M{"workflow_id": workflowID, "steps.step_name": stepName}
	return s.updateOne(ctx, filter, stepUpdate(updates), workflowID)
}

func stepUpdate(updates map[string]any) bson.M {
	set := bson.M{"updated_at": time.Now().UTC()}
	for key, value := range updates {
		set["steps.$."+key] = normalizeValue(value)
	}
	return bson.M{"$set": set}
}

// AddToRunningSteps implements Store.
func (s *MongoStore) AddToRunningSteps(ctx context.Context, workflowID, stepID string) error {
	update := bson.M{
		"$addToSet": bson.M{"execution_metadata.currently_running_step_ids": stepID},
		"$inc": bson.M{
			"execution_metadata.running_steps": 1,
			"execution_metadata.pending_steps": -1,
		},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	return s.updateOne(ctx, bson.M{"workflow_id": workflowID}, update, workflowID)
}

// RemoveFromRunningSteps implements Store.
func (s *MongoStore) RemoveFromRunningSteps(ctx context.Context, workflowID, stepID string) error {
	update := bson.M{
		"$pull": bson.M{"execution_metadata.currently_running_step_ids": stepID},
		"$inc":  bson.M{"execution_metadata.running_steps": -1},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	}
	return s.updateOne(ctx, bson.M{"workflow_id": workflowID}, update, workflowID)
}

// AddToCompletedSteps implements Store.
func (s *MongoStore) AddToCompletedSteps(ctx context.Context, workflowID, stepID string) error {
	update := bson.M{
		"$addToSet": bson.M{"execution_metadata.completed_step_ids": stepID},
		"$inc":      bson.M{"execution_metadata.completed_steps": 1},
		"$set":      bson.M{"updated_at": time.Now().UTC()},
	}
	return s.updateOne(ctx, bson.M{"workflow_id": workflowID}, update, workflowID)
}

// IncrementWorkflowField implements Store.
func (s *MongoStore) IncrementWorkflowField(ctx context.Context, workflowID, path string, delta int) error {
	update := bson.M{
		"$inc": bson.M{path: delta},
		"$set": bson.M{"updated_at": time.Now().UTC()},
	}
	return s.updateOne(ctx, bson.M{"workflow_id": workflowID}, update, workflowID)
}

func (s *MongoStore) updateOne(ctx context.Context, filter, update bson.M, workflowID string) error {
	res, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return errors.Wrap(err, "updating workflow")
	}
	if res.MatchedCount == 0 {
		return &errors.NotFoundError{Resource: "workflow", ID: workflowID}
	}
	return nil
}

// Ping implements Store.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close implements Store.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// normalizeValue converts status enums to plain strings so the stored
// document layout matches what Decode expects.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case model.WorkflowStatus:
		return string(v)
	case model.StepStatus:
		return string(v)
	default:
		return value
	}
}
