package vectorstore

import (
	"context"
	"errors"
)

const (
	IncludeDocuments = "documents"
	IncludeMetadatas = "metadatas"
	IncludeDistances = "distances"
)

var ErrUnavailable = errors.New("vector store unavailable")

// Store is a vector database holding named collections.
type Store interface {
	// GetOrCreateCollection resolves a handle to the named collection, creating it if the
	// backend supports that.
	GetOrCreateCollection(ctx context.Context, spec CollectionSpec) (Collection, error)
	// Heartbeat is a liveness probe.
	Heartbeat(ctx context.Context) error
}

type Collection interface {
	Name() string
	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)
}

type CollectionSpec struct {
	Name     string
	Metadata map[string]any
}

type QueryRequest struct {
	QueryEmbeddings [][]float32
	NResults        int
	Include         []string
}

// QueryResult holds one row per query embedding. Documents and distances may contain nils.
type QueryResult struct {
	IDs       [][]string
	Documents [][]*string
	Metadatas [][]map[string]any
	Distances [][]*float64
}

// Row returns the i-th query batch as hits, tolerating ragged or missing columns.
func (r *QueryResult) Row(i int) []Hit {
	if r == nil || i < 0 || i >= len(r.Documents) {
		return nil
	}
	docs := r.Documents[i]
	out := make([]Hit, len(docs))
	for j := range docs {
		h := Hit{Document: docs[j]}
		if i < len(r.IDs) && j < len(r.IDs[i]) {
			h.ID = r.IDs[i][j]
		}
		if i < len(r.Metadatas) && j < len(r.Metadatas[i]) {
			h.Metadata = r.Metadatas[i][j]
		}
		if i < len(r.Distances) && j < len(r.Distances[i]) {
			h.Distance = r.Distances[i][j]
		}
		out[j] = h
	}
	return out
}

type Hit struct {
	ID       string
	Document *string
	Metadata map[string]any
	Distance *float64
}
