// Package mongo implements the copy job store using MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"snapcopy/internal/logger"
	"snapcopy/internal/model"
	"snapcopy/internal/store"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"
)

// Client is a client that connects to MongoDB and reads or saves copy jobs.
type Client struct {
	config *Config
	client *mongo.Client
	jobs   *mongo.Collection
}

// Dial creates an instance of Client and dials the given MongoDB.
func Dial(conf *Config) (*Client, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), conf.ConnectionTimeout)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(conf.ConnectionURI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	jobs := client.Database(conf.Database).Collection(conf.Collection)
	if err := ensureIndexes(ctx, jobs); err != nil {
		return nil, err
	}

	logger.Log.Info("mongodb connected",
		zap.String("database", conf.Database),
		zap.String("collection", conf.Collection))

	return &Client{
		config: conf,
		client: client,
		jobs:   jobs,
	}, nil
}

func ensureIndexes(ctx context.Context, col *mongo.Collection) error {
	_, err := col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "service", Value: 1}, {Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "snapshot_copy_status", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}

	return nil
}

// Close all resources of this client.
func (c *Client) Close() error {
	if err := c.client.Disconnect(context.Background()); err != nil {
		return fmt.Errorf("close mongo client: %w", err)
	}

	return nil
}

// Get returns the job for the given identity.
func (c *Client) Get(ctx context.Context, service, name string) (*model.CopyJob, error) {
	result := c.jobs.FindOne(ctx, identity(service, name))

	var job model.CopyJob
	if err := result.Decode(&job); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s/%s: %w", service, name, store.ErrNotFound)
		}
		return nil, fmt.Errorf("find copy job %s/%s: %w", service, name, err)
	}

	return &job, nil
}

// Create inserts the job, relying on the unique (service, name) index to
// reject a second writer.
func (c *Client) Create(ctx context.Context, job *model.CopyJob) error {
	if _, err := c.jobs.InsertOne(ctx, job); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", job.Key(), store.ErrAlreadyExists)
		}
		return fmt.Errorf("insert copy job %s: %w", job.Key(), err)
	}

	return nil
}

// Put replaces the job, inserting it if missing.
func (c *Client) Put(ctx context.Context, job *model.CopyJob) error {
	_, err := c.jobs.ReplaceOne(
		ctx,
		identity(job.Service, job.Name),
		job,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("replace copy job %s: %w", job.Key(), err)
	}

	return nil
}

// Refresh is a no-op; acknowledged writes are immediately readable.
func (c *Client) Refresh(_ context.Context) error {
	return nil
}

// Scan returns jobs with the given status, or all jobs if status is empty.
func (c *Client) Scan(ctx context.Context, status model.CopyStatus) ([]*model.CopyJob, error) {
	filter := bson.M{}
	if status != "" {
		filter["snapshot_copy_status"] = status
	}

	cursor, err := c.jobs.Find(ctx, filter, options.Find().SetSort(bson.D{
		{Key: "service", Value: 1},
		{Key: "name", Value: 1},
	}))
	if err != nil {
		return nil, fmt.Errorf("find copy jobs: %w", err)
	}

	var jobs []*model.CopyJob
	if err := cursor.All(ctx, &jobs); err != nil {
		return nil, fmt.Errorf("fetch copy jobs: %w", err)
	}

	return jobs, nil
}

func identity(service, name string) bson.M {
	return bson.M{"service": service, "name": name}
}
