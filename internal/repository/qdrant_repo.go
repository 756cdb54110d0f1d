package repository

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

const (
	defaultVectorDimension = 1024
)

// QdrantConnectionConfig holds configuration for Qdrant connection
type QdrantConnectionConfig struct {
	Host            string
	Port            int
	APIKey          string // Qdrant Cloud API Key (enables TLS automatically)
	UseTLS          bool   // Explicitly enable TLS without API Key
	VectorDimension int
}

// apiKeyInterceptor creates a unary interceptor that adds API key to metadata
func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantRepository handles vector operations with Qdrant. Collections are
// passed per call; each account owns one collection.
type QdrantRepository struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	vectorDimension int
}

// NewQdrantRepository creates a new QdrantRepository
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API Key)
func NewQdrantRepository(cfg *QdrantConnectionConfig) (*QdrantRepository, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	vectorDimension := cfg.VectorDimension
	if vectorDimension <= 0 {
		vectorDimension = defaultVectorDimension
	}

	var opts []grpc.DialOption
	if cfg.UseTLS || cfg.APIKey != "" {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantRepository{
		conn:            conn,
		pointsClient:    pb.NewPointsClient(conn),
		collectClient:   pb.NewCollectionsClient(conn),
		vectorDimension: vectorDimension,
	}, nil
}

// Close closes the gRPC connection
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection with keyword indexes on
// account_id and source_name if it doesn't exist.
func (r *QdrantRepository) EnsureCollection(ctx context.Context, name string) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok && size != uint64(r.vectorDimension) {
			return fmt.Errorf("collection %s has vector size %d, expected %d", name, size, r.vectorDimension)
		}
		return nil
	}

	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for _, field := range []string{PayloadAccountID, PayloadSourceName} {
		fieldType := pb.FieldType_FieldTypeKeyword
		_, err = r.pointsClient.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: name,
			FieldName:      field,
			FieldType:      &fieldType,
		})
		if err != nil {
			return fmt.Errorf("failed to index payload field %s: %w", field, err)
		}
	}
	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	vectors := info.GetConfig().GetParams().GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil && single.GetSize() > 0 {
		return single.GetSize(), true
	}
	for _, vp := range vectors.GetParamsMap().GetMap() {
		if vp != nil && vp.GetSize() > 0 {
			return vp.GetSize(), true
		}
	}
	return 0, false
}

// Payload keys stored with every point.
const (
	PayloadAccountID  = "account_id"
	PayloadSourceName = "source_name"
	PayloadSourceID   = "source_id"
	PayloadKind       = "kind"
	PayloadTitle      = "title"
	PayloadDocument   = "document"
	PayloadBatch      = "batch"
)

// DocumentPoint is one rendered record ready for upsert.
type DocumentPoint struct {
	ID         string
	Vector     []float32
	AccountID  string
	SourceName string
	SourceID   string
	Kind       string
	Title      string
	Document   string
	Batch      string
}

// Upsert writes points without waiting for them to be indexed.
func (r *QdrantRepository) Upsert(ctx context.Context, collection string, points []DocumentPoint) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*pb.PointStruct, len(points))
	for i, p := range points {
		structs[i] = &pb.PointStruct{
			Id: pointID(p.ID),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: p.Vector},
				},
			},
			Payload: map[string]*pb.Value{
				PayloadAccountID:  stringValue(p.AccountID),
				PayloadSourceName: stringValue(p.SourceName),
				PayloadSourceID:   stringValue(p.SourceID),
				PayloadKind:       stringValue(p.Kind),
				PayloadTitle:      stringValue(p.Title),
				PayloadDocument:   stringValue(p.Document),
				PayloadBatch:      stringValue(p.Batch),
			},
		}
	}

	wait := false
	_, err := r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// CountExisting returns how many of ids are already retrievable.
func (r *QdrantRepository) CountExisting(ctx context.Context, collection string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	pids := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pids[i] = pointID(id)
	}
	resp, err := r.pointsClient.Get(ctx, &pb.GetPoints{
		CollectionName: collection,
		Ids:            pids,
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: false},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get points: %w", err)
	}
	return len(resp.GetResult()), nil
}

// SearchResult represents a search result from Qdrant
type SearchResult struct {
	ID         string
	Score      float32
	SourceName string
	SourceID   string
	Kind       string
	Title      string
	Document   string
}

// SearchFilters defines optional filters for search
type SearchFilters struct {
	AccountID  string
	SourceName string
}

// Search performs a vector similarity search
func (r *QdrantRepository) Search(ctx context.Context, collection string, vector []float32, topK int, threshold float32, filters *SearchFilters) ([]SearchResult, error) {
	req := &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	}
	if threshold > 0 {
		req.ScoreThreshold = &threshold
	}
	if filters != nil {
		req.Filter = buildFilter(filters)
	}

	resp, err := r.pointsClient.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]SearchResult, len(resp.Result))
	for i, scored := range resp.Result {
		p := scored.GetPayload()
		results[i] = SearchResult{
			ID:         scored.GetId().GetUuid(),
			Score:      scored.GetScore(),
			SourceName: p[PayloadSourceName].GetStringValue(),
			SourceID:   p[PayloadSourceID].GetStringValue(),
			Kind:       p[PayloadKind].GetStringValue(),
			Title:      p[PayloadTitle].GetStringValue(),
			Document:   p[PayloadDocument].GetStringValue(),
		}
	}
	return results, nil
}

func buildFilter(filters *SearchFilters) *pb.Filter {
	var conditions []*pb.Condition
	if filters.AccountID != "" {
		conditions = append(conditions, keywordCondition(PayloadAccountID, filters.AccountID))
	}
	if filters.SourceName != "" {
		conditions = append(conditions, keywordCondition(PayloadSourceName, filters.SourceName))
	}
	if len(conditions) == 0 {
		return nil
	}
	return &pb.Filter{Must: conditions}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

// DeleteBySource deletes every point of one source from a collection.
func (r *QdrantRepository) DeleteBySource(ctx context.Context, collection, sourceName string) error {
	wait := true
	_, err := r.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: collection,
		Wait:           &wait,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: buildFilter(&SearchFilters{SourceName: sourceName}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// DropCollection deletes a collection. Missing collections are not an error.
func (r *QdrantRepository) DropCollection(ctx context.Context, collection string) error {
	if _, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: collection}); err != nil {
		return nil
	}
	if _, err := r.collectClient.Delete(ctx, &pb.DeleteCollection{CollectionName: collection}); err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", collection, err)
	}
	return nil
}

// ListCollections returns the collection names starting with prefix.
func (r *QdrantRepository) ListCollections(ctx context.Context, prefix string) ([]string, error) {
	resp, err := r.collectClient.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	var names []string
	for _, c := range resp.GetCollections() {
		if strings.HasPrefix(c.GetName(), prefix) {
			names = append(names, c.GetName())
		}
	}
	return names, nil
}

func pointID(id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}
