// Package storage implements the persistence gateway on Azure Table Storage
// and the change-event plumbing on Azure Queue Storage.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// Storage provides access to the underlying persistence mechanisms. Rows are
// addressed by (table, partition, id); the partition is the board owner.
type Storage struct {
	svc         *aztables.ServiceClient
	tables      map[string]*aztables.Client
	changeQueue *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string. Table
// clients are created for each of the named tables up front.
func New(connStr, changeQueue string, tables ...string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	clients := make(map[string]*aztables.Client, len(tables))
	for _, t := range tables {
		clients[t] = svc.NewClient(t)
	}

	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	cq, err := azqueue.NewQueueClientFromConnectionString(connStr, changeQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{svc: svc, tables: clients, changeQueue: cq}, nil
}

func (s *Storage) client(table string) (*aztables.Client, error) {
	if c, ok := s.tables[table]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("unknown table %q", table)
}

// Insert adds a row.
func (s *Storage) Insert(ctx context.Context, table, partition, id string, record map[string]any) error {
	c, err := s.client(table)
	if err != nil {
		return err
	}
	payload, err := marshalEntity(partition, id, record)
	if err != nil {
		return err
	}
	_, err = c.AddEntity(ctx, payload, nil)
	return err
}

// Update merge-patches the named columns of a row.
func (s *Storage) Update(ctx context.Context, table, partition, id string, fields map[string]any) error {
	c, err := s.client(table)
	if err != nil {
		return err
	}
	payload, err := marshalEntity(partition, id, fields)
	if err != nil {
		return err
	}
	mode := aztables.UpdateModeMerge
	_, err = c.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{UpdateMode: mode})
	return err
}

// Delete removes a row.
func (s *Storage) Delete(ctx context.Context, table, partition, id string) error {
	c, err := s.client(table)
	if err != nil {
		return err
	}
	_, err = c.DeleteEntity(ctx, partition, id, nil)
	return err
}

// BulkUpdate merge-patches the same columns onto every row in the id set.
// All rows share the partition, so the whole set commits as one entity-group
// transaction.
func (s *Storage) BulkUpdate(ctx context.Context, table, partition string, ids []string, fields map[string]any) error {
	if len(ids) == 0 {
		return nil
	}
	c, err := s.client(table)
	if err != nil {
		return err
	}
	actions := make([]aztables.TransactionAction, 0, len(ids))
	for _, id := range ids {
		payload, err := marshalEntity(partition, id, fields)
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     payload,
		})
	}
	_, err = c.SubmitTransaction(ctx, actions, nil)
	return err
}

// Query returns every row in the partition as a raw column map.
func (s *Storage) Query(ctx context.Context, table, partition string) ([]map[string]any, error) {
	c, err := s.client(table)
	if err != nil {
		return nil, err
	}
	filter := "PartitionKey eq '" + strings.ReplaceAll(partition, "'", "''") + "'"
	pager := c.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	rows := []map[string]any{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var row map[string]any
			if err := json.Unmarshal(e, &row); err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func marshalEntity(partition, id string, columns map[string]any) ([]byte, error) {
	entity := make(map[string]any, len(columns)+2)
	for k, v := range columns {
		entity[k] = v
	}
	entity["PartitionKey"] = partition
	entity["RowKey"] = id
	return json.Marshal(entity)
}

// changeEvent is the queue message emitted after mutations commit.
type changeEvent struct {
	UserID string `json:"userId"`
	Time   int64  `json:"time"`
}

// PublishChange enqueues a board-changed event for the partition.
func (s *Storage) PublishChange(ctx context.Context, partition string) error {
	data, err := json.Marshal(changeEvent{UserID: partition, Time: time.Now().UnixNano()})
	if err != nil {
		return err
	}
	_, err = s.changeQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}
