package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/metadata"
)

// Config names the Qdrant endpoint and collection a Store talks to.
// URI, Token and DB together select a pooled connection; Collection is
// the point namespace within it.
type Config struct {
	URI        string
	Token      string
	DB         string
	Collection string
}

// Store is the sole owner of Qdrant operations for one tenant
// collection. Connections are keyed by (uri, token, db) and reused
// across Stores that share a Config.
type Store struct {
	key         connKey
	collection  string
	points      pb.PointsClient
	collections pb.CollectionsClient
	logger      *slog.Logger
}

// Open dials (or reuses) the pooled connection for cfg and returns a
// Store bound to cfg.Collection.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key := connKey{URI: cfg.URI, Token: cfg.Token, DB: cfg.DB}
	conn, err := dial(key)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: dial %s: %w", cfg.URI, err)
	}
	return &Store{
		key:         key,
		collection:  cfg.Collection,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		logger:      logger,
	}, nil
}

// NewWithClients builds a Store around already-constructed clients,
// bypassing dial. Used by tests and by callers that manage their own
// gRPC connection.
func NewWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{collection: collection, points: points, collections: collections, logger: logger}
}

func (s *Store) authContext(ctx context.Context) context.Context {
	if s.key.Token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", s.key.Token)
}

// reconnect discards the pooled connection and redials once, rebinding
// this Store's clients to the fresh connection. Only meaningful for
// Stores built via Open (NewWithClients Stores have no key to redial).
func (s *Store) reconnect() error {
	if s.key.URI == "" {
		return fmt.Errorf("vectorstore: no connection to reconnect (store built with NewWithClients)")
	}
	conn, err := redial(s.key)
	if err != nil {
		return fmt.Errorf("vectorstore: reconnect %s: %w", s.key.URI, err)
	}
	s.points = pb.NewPointsClient(conn)
	s.collections = pb.NewCollectionsClient(conn)
	return nil
}

// withReconnect runs f; on failure it attempts one reconnect and retries
// f exactly once more before giving up.
func (s *Store) withReconnect(f func() error) error {
	err := f()
	if err == nil {
		return nil
	}
	if s.key.URI == "" {
		return err
	}
	s.logger.Warn("vectorstore: call failed, attempting one reconnect", "error", err)
	if rerr := s.reconnect(); rerr != nil {
		return err
	}
	return f()
}

// EnsureCollection idempotently creates the collection with the given
// vector dimension and distance metric if it doesn't already exist.
// fields documents the payload keys rows are expected to carry (text,
// metadata, …); Qdrant collections have no declared payload schema, so
// fields is descriptive only and does not issue extra RPCs.
func (s *Store) EnsureCollection(ctx context.Context, dim int, metric Metric, fields []string) (Status, error) {
	ctx = s.authContext(ctx)

	var status Status
	err := s.withReconnect(func() error {
		list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
		if err != nil {
			return fmt.Errorf("vectorstore: list collections: %w", err)
		}
		for _, c := range list.GetCollections() {
			if c.GetName() == s.collection {
				status = StatusExists
				return nil
			}
		}

		_, err = s.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     uint64(dim),
						Distance: metric.distance(),
					},
				},
			},
		})
		if err != nil {
			return fmt.Errorf("vectorstore: create collection %s: %w", s.collection, err)
		}
		status = StatusCreated
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// Upsert stores rows as points, flushing to durable state before
// returning. A partial insert (inserted < requested) is reported in
// the result, not as an error: the caller decides whether that is fatal.
func (s *Store) Upsert(ctx context.Context, rows []Row) (UpsertResult, error) {
	result := UpsertResult{RequestedCount: len(rows)}
	if len(rows) == 0 {
		return result, nil
	}
	ctx = s.authContext(ctx)

	points := make([]*pb.PointStruct, len(rows))
	for i, r := range rows {
		payload := toPayload(r.Text, r.Metadata)
		points[i] = &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: r.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Vector}}},
			Payload: payload,
		}
	}

	wait := true
	err := s.withReconnect(func() error {
		resp, err := s.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: s.collection,
			Wait:           &wait,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("vectorstore: upsert %d points: %w", len(points), err)
		}
		if resp.GetResult().GetStatus() == pb.UpdateStatus_Acknowledged || resp.GetResult().GetStatus() == pb.UpdateStatus_Completed {
			result.InsertedCount = len(points)
		} else {
			result.InsertedCount = 0
		}
		return nil
	})
	if err != nil {
		return result, err
	}
	if result.InsertedCount < result.RequestedCount {
		s.logger.Warn("vectorstore: partial upsert",
			"inserted", result.InsertedCount, "requested", result.RequestedCount, "collection", s.collection)
	}
	return result, nil
}

// Search performs k-NN similarity search against the collection. This
// path is used only by the chat-time collaborator, never by the
// ingestion core.
func (s *Store) Search(ctx context.Context, queryVector []float32, k int) ([]SearchHit, error) {
	ctx = s.authContext(ctx)

	var hits []SearchHit
	err := s.withReconnect(func() error {
		resp, err := s.points.Search(ctx, &pb.SearchPoints{
			CollectionName: s.collection,
			Vector:         queryVector,
			Limit:          uint64(k),
			WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		})
		if err != nil {
			return fmt.Errorf("vectorstore: search: %w", err)
		}
		hits = make([]SearchHit, len(resp.GetResult()))
		for i, r := range resp.GetResult() {
			hit := SearchHit{ID: r.GetId().GetUuid(), Score: r.GetScore(), Metadata: map[string]string{}}
			for field, v := range r.GetPayload() {
				if field == "text" {
					hit.Text = v.GetStringValue()
					continue
				}
				hit.Metadata[field] = stringifyValue(v)
			}
			hits[i] = hit
		}
		return nil
	})
	return hits, err
}

func toPayload(text string, metadata map[string]any) map[string]*pb.Value {
	payload := make(map[string]*pb.Value, len(metadata)+1)
	payload["text"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: text}}
	for k, v := range metadata {
		payload[k] = toValue(v)
	}
	return payload
}

func toValue(v any) *pb.Value {
	switch tv := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func stringifyValue(v *pb.Value) string {
	switch kind := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return kind.StringValue
	case *pb.Value_IntegerValue:
		return fmt.Sprint(kind.IntegerValue)
	case *pb.Value_DoubleValue:
		return fmt.Sprint(kind.DoubleValue)
	case *pb.Value_BoolValue:
		return fmt.Sprint(kind.BoolValue)
	default:
		return ""
	}
}

// Close tears down the pooled gRPC connection backing this Store. It
// is a no-op for Stores built via NewWithClients.
func (s *Store) Close() error {
	if s.key.URI == "" {
		return nil
	}
	connPool.mu.Lock()
	defer connPool.mu.Unlock()
	if conn, ok := connPool.conns[s.key]; ok {
		delete(connPool.conns, s.key)
		return conn.Close()
	}
	return nil
}
