package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"PotholeDetServer/report"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Firestore struct {
	client     *firestore.Client
	collection string
	log        *zap.Logger
}

// OpenFirestore connects with a service account key. An empty projectID is
// taken from the key's project_id.
func OpenFirestore(ctx context.Context, projectID, collection string, keyJSON []byte, log *zap.Logger) (*Firestore, error) {
	if len(keyJSON) == 0 {
		return nil, fmt.Errorf("firestore credentials required")
	}
	if projectID == "" {
		id, err := projectFromKey(keyJSON)
		if err != nil {
			return nil, err
		}
		projectID = id
	}
	client, err := firestore.NewClient(ctx, projectID, option.WithCredentialsJSON(keyJSON))
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}
	log.Info("firestore report store ready", zap.String("project", projectID), zap.String("collection", collection))
	return &Firestore{client: client, collection: collection, log: log}, nil
}

func projectFromKey(keyJSON []byte) (string, error) {
	var key struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(keyJSON, &key); err != nil {
		return "", fmt.Errorf("parse firebase key: %w", err)
	}
	if key.ProjectID == "" {
		return "", fmt.Errorf("firebase key has no project_id")
	}
	return key.ProjectID, nil
}

func (f *Firestore) Set(ctx context.Context, r report.Report) error {
	if _, err := f.client.Collection(f.collection).Doc(r.VideoID).Set(ctx, r); err != nil {
		return fmt.Errorf("set report %s: %w", r.VideoID, err)
	}
	return nil
}

func (f *Firestore) Get(ctx context.Context, videoID string) (report.Report, error) {
	snap, err := f.client.Collection(f.collection).Doc(videoID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return report.Report{}, ErrNotFound
		}
		return report.Report{}, fmt.Errorf("get report %s: %w", videoID, err)
	}
	var r report.Report
	if err := snap.DataTo(&r); err != nil {
		return report.Report{}, fmt.Errorf("decode report %s: %w", videoID, err)
	}
	return r, nil
}

func (f *Firestore) List(ctx context.Context, limit int) ([]report.Report, error) {
	iter := f.client.Collection(f.collection).
		OrderBy("timestamp", firestore.Desc).
		Limit(normalizeLimit(limit)).
		Documents(ctx)
	defer iter.Stop()

	out := make([]report.Report, 0)
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list reports: %w", err)
		}
		var r report.Report
		if err := snap.DataTo(&r); err != nil {
			f.log.Warn("skipping undecodable report", zap.String("id", snap.Ref.ID), zap.Error(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}
