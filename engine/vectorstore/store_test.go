package vectorstore

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

type mockPoints struct {
	upsertResp *pb.PointsOperationResponse
	upsertErr  error
	searchResp *pb.SearchResponse
	searchErr  error
}

func (m *mockPoints) Upsert(_ context.Context, _ *pb.UpsertPoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	return m.upsertResp, m.upsertErr
}
func (m *mockPoints) Delete(_ context.Context, _ *pb.DeletePoints, _ ...grpc.CallOption) (*pb.PointsOperationResponse, error) {
	return &pb.PointsOperationResponse{}, nil
}
func (m *mockPoints) Search(_ context.Context, _ *pb.SearchPoints, _ ...grpc.CallOption) (*pb.SearchResponse, error) {
	return m.searchResp, m.searchErr
}

type mockCollections struct {
	listResp   *pb.ListCollectionsResponse
	listErr    error
	createResp *pb.CollectionOperationResponse
	createErr  error
}

func (m *mockCollections) List(_ context.Context, _ *pb.ListCollectionsRequest, _ ...grpc.CallOption) (*pb.ListCollectionsResponse, error) {
	return m.listResp, m.listErr
}
func (m *mockCollections) Create(_ context.Context, _ *pb.CreateCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return m.createResp, m.createErr
}
func (m *mockCollections) Delete(_ context.Context, _ *pb.DeleteCollection, _ ...grpc.CallOption) (*pb.CollectionOperationResponse, error) {
	return &pb.CollectionOperationResponse{}, nil
}

func TestEnsureCollectionAlreadyExists(t *testing.T) {
	cols := &mockCollections{listResp: &pb.ListCollectionsResponse{
		Collections: []*pb.CollectionDescription{{Name: "docs"}},
	}}
	s := NewWithClients(&mockPoints{}, cols, "docs", slog.Default())

	status, err := s.EnsureCollection(context.Background(), 4, MetricCosine, []string{"text", "metadata"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusExists {
		t.Fatalf("status = %q, want exists", status)
	}
}

func TestEnsureCollectionCreates(t *testing.T) {
	cols := &mockCollections{
		listResp:   &pb.ListCollectionsResponse{Collections: []*pb.CollectionDescription{}},
		createResp: &pb.CollectionOperationResponse{Result: true},
	}
	s := NewWithClients(&mockPoints{}, cols, "docs", slog.Default())

	status, err := s.EnsureCollection(context.Background(), 128, MetricIP, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusCreated {
		t.Fatalf("status = %q, want created", status)
	}
}

func TestEnsureCollectionListErrorNoReconnect(t *testing.T) {
	cols := &mockCollections{listErr: errors.New("rpc fail")}
	s := NewWithClients(&mockPoints{}, cols, "docs", slog.Default())

	if _, err := s.EnsureCollection(context.Background(), 4, MetricL2, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestUpsertEmpty(t *testing.T) {
	s := NewWithClients(&mockPoints{}, &mockCollections{}, "docs", slog.Default())
	result, err := s.Upsert(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.InsertedCount != 0 || result.RequestedCount != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestUpsertFullSuccess(t *testing.T) {
	pts := &mockPoints{upsertResp: &pb.PointsOperationResponse{
		Result: &pb.UpdateResult{Status: pb.UpdateStatus_Completed},
	}}
	s := NewWithClients(pts, &mockCollections{}, "docs", slog.Default())

	rows := []Row{
		{ID: "id1", Text: "hello world", Vector: []float32{1, 0, 0, 0}, Metadata: map[string]any{
			"source_index": 0, "chunk_index": 1, "score": 3.14, "active": true, "other": []int{1, 2},
		}},
	}
	result, err := s.Upsert(context.Background(), rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.InsertedCount != 1 || result.RequestedCount != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestUpsertPartialWarnsNotError(t *testing.T) {
	pts := &mockPoints{upsertResp: &pb.PointsOperationResponse{}}
	s := NewWithClients(pts, &mockCollections{}, "docs", slog.Default())

	rows := []Row{{ID: "id1", Text: "a", Vector: []float32{1}}, {ID: "id2", Text: "b", Vector: []float32{1}}}
	result, err := s.Upsert(context.Background(), rows)
	if err != nil {
		t.Fatalf("partial insert must not be fatal: %v", err)
	}
	if result.InsertedCount != 0 || result.RequestedCount != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestUpsertErrorNoReconnect(t *testing.T) {
	pts := &mockPoints{upsertErr: errors.New("fail")}
	s := NewWithClients(pts, &mockCollections{}, "docs", slog.Default())

	if _, err := s.Upsert(context.Background(), []Row{{ID: "x", Vector: []float32{1}}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSearchSuccess(t *testing.T) {
	pts := &mockPoints{searchResp: &pb.SearchResponse{
		Result: []*pb.ScoredPoint{
			{
				Id:    &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: "p1"}},
				Score: 0.95,
				Payload: map[string]*pb.Value{
					"text":         {Kind: &pb.Value_StringValue{StringValue: "oil change"}},
					"source_index": {Kind: &pb.Value_IntegerValue{IntegerValue: 3}},
				},
			},
		},
	}}
	s := NewWithClients(pts, &mockCollections{}, "docs", slog.Default())

	hits, err := s.Search(context.Background(), []float32{1, 0}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit, got %d", len(hits))
	}
	if hits[0].Text != "oil change" || hits[0].ID != "p1" || hits[0].Score != 0.95 {
		t.Fatalf("unexpected hit: %+v", hits[0])
	}
	if hits[0].Metadata["source_index"] != "3" {
		t.Fatalf("unexpected metadata: %+v", hits[0].Metadata)
	}
}

func TestSearchErrorNoReconnect(t *testing.T) {
	pts := &mockPoints{searchErr: errors.New("fail")}
	s := NewWithClients(pts, &mockCollections{}, "docs", slog.Default())

	if _, err := s.Search(context.Background(), []float32{1}, 5); err == nil {
		t.Fatal("expected error")
	}
}

func TestCloseNoOpWithoutKey(t *testing.T) {
	s := NewWithClients(&mockPoints{}, &mockCollections{}, "docs", slog.Default())
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMetricDistance(t *testing.T) {
	cases := map[Metric]pb.Distance{
		MetricIP:        pb.Distance_Dot,
		MetricCosine:    pb.Distance_Cosine,
		MetricL2:        pb.Distance_Euclid,
		Metric("bogus"): pb.Distance_Cosine,
	}
	for m, want := range cases {
		if got := m.distance(); got != want {
			t.Errorf("%s.distance() = %v, want %v", m, got, want)
		}
	}
}
