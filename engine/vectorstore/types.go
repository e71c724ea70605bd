// Package vectorstore is the sole owner of Qdrant operations for the
// ingestion pipeline: collection lifecycle, point upsert, and the
// chat-time similarity search used by the RAG collaborator.
package vectorstore

import pb "github.com/qdrant/go-client/qdrant"

// Metric names the distance function a collection is indexed with,
// matching the milvus-style metric names the tenant RAG config speaks.
type Metric string

const (
	MetricIP     Metric = "IP"
	MetricCosine Metric = "COSINE"
	MetricL2     Metric = "L2"
)

func (m Metric) distance() pb.Distance {
	switch m {
	case MetricIP:
		return pb.Distance_Dot
	case MetricL2:
		return pb.Distance_Euclid
	default:
		return pb.Distance_Cosine
	}
}

// Status reports whether EnsureCollection created the collection or
// found it already present.
type Status string

const (
	StatusCreated Status = "created"
	StatusExists  Status = "exists"
)

// Row is one (text, vector, metadata) unit to upsert.
type Row struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata map[string]any
}

// UpsertResult reports how many of the requested rows were actually
// inserted; inserted < requested is a warning condition, not an error.
type UpsertResult struct {
	InsertedCount  int
	RequestedCount int
}

// SearchHit is a single similarity-search result, used only by the
// chat-time collaborator.
type SearchHit struct {
	ID       string
	Text     string
	Score    float32
	Metadata map[string]string
}
