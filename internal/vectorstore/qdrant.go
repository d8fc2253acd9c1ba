package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// pointNamespace seeds deterministic point UUIDs so the same chunk ID always
// maps to the same Qdrant point across runs.
var pointNamespace = uuid.MustParse("7f1c9f2e-4b7a-4f14-9c60-3a7d2c5b9e01")

// QdrantStore persists records in a Qdrant collection over gRPC. Metadata
// key-values live in a one-dimensional sidecar collection so they never
// appear in similarity results.
type QdrantStore struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
	metaColl    string
	dimension   int
}

// OpenQdrant connects to Qdrant and creates the collections if missing.
func OpenQdrant(ctx context.Context, host string, port int, collection string, dimension int) (*QdrantStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("qdrant store: dimension must be positive, got %d", dimension)
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	s := &QdrantStore{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
		metaColl:    collection + "__meta",
		dimension:   dimension,
	}
	if err := s.ensureCollection(ctx, s.collection, dimension); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.ensureCollection(ctx, s.metaColl, 1); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) ensureCollection(ctx context.Context, name string, dim int) error {
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}
	for _, c := range list.Collections {
		if c.Name == name {
			return nil
		}
	}
	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dim),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func (s *QdrantStore) pointID(recordID string) *pb.PointId {
	id := uuid.NewSHA1(pointNamespace, []byte(recordID))
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id.String()}}
}

func (s *QdrantStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		updatedAt := r.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		points[i] = &pb.PointStruct{
			Id:      s.pointID(r.ID),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: r.Vector}}},
			Payload: map[string]*pb.Value{
				"id":           strValue(r.ID),
				"file_path":    strValue(r.FilePath),
				"repo":         strValue(r.Repo),
				"language":     strValue(r.Language),
				"kind":         strValue(r.Kind),
				"name":         strValue(r.Name),
				"start_line":   intValue(int64(r.StartLine)),
				"end_line":     intValue(int64(r.EndLine)),
				"content":      strValue(r.Content),
				"content_hash": strValue(r.ContentHash),
				"model":        strValue(r.Model),
				"updated_at":   intValue(updatedAt.UnixNano()),
			},
		}
	}
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
	})
	return err
}

func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = s.pointID(id)
	}
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	return err
}

func (s *QdrantStore) DeleteFile(ctx context.Context, path string) error {
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: []*pb.Condition{keywordCondition("file_path", path)}},
			},
		},
	})
	return err
}

func (s *QdrantStore) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Limit:          uint64(k),
		Filter:         qdrantFilter(filter),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(resp.Result))
	for _, pt := range resp.Result {
		matches = append(matches, Match{
			Record: recordFromPayload(pt.Payload),
			// Cosine similarity in [-1, 1] remapped to (0, 1].
			Score: (1 + float64(pt.Score)) / 2,
		})
	}
	return matches, nil
}

func (s *QdrantStore) HashesForFile(ctx context.Context, path string) (map[string]string, error) {
	hashes := make(map[string]string)
	filter := &pb.Filter{Must: []*pb.Condition{keywordCondition("file_path", path)}}
	limit := uint32(512)

	var offset *pb.PointId
	for {
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: s.collection,
			Filter:         filter,
			Limit:          &limit,
			Offset:         offset,
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			return nil, err
		}
		for _, pt := range resp.Result {
			id := pt.Payload["id"].GetStringValue()
			hashes[id] = pt.Payload["content_hash"].GetStringValue()
		}
		if resp.NextPageOffset == nil {
			return hashes, nil
		}
		offset = resp.NextPageOffset
	}
}

func (s *QdrantStore) ListFiles(ctx context.Context) ([]string, error) {
	set := make(map[string]struct{})
	limit := uint32(1024)

	var offset *pb.PointId
	for {
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: s.collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Include{
					Include: &pb.PayloadIncludeSelector{Fields: []string{"file_path"}},
				},
			},
		})
		if err != nil {
			return nil, err
		}
		for _, pt := range resp.Result {
			set[pt.Payload["file_path"].GetStringValue()] = struct{}{}
		}
		if resp.NextPageOffset == nil {
			break
		}
		offset = resp.NextPageOffset
	}

	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func (s *QdrantStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{ByModel: make(map[string]int), Backend: "qdrant"}
	files := make(map[string]struct{})
	limit := uint32(1024)

	var offset *pb.PointId
	for {
		resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
			CollectionName: s.collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Include{
					Include: &pb.PayloadIncludeSelector{Fields: []string{"file_path", "model"}},
				},
			},
		})
		if err != nil {
			return Stats{}, err
		}
		for _, pt := range resp.Result {
			stats.Chunks++
			files[pt.Payload["file_path"].GetStringValue()] = struct{}{}
			stats.ByModel[pt.Payload["model"].GetStringValue()]++
		}
		if resp.NextPageOffset == nil {
			break
		}
		offset = resp.NextPageOffset
	}
	stats.Files = len(files)
	return stats, nil
}

func (s *QdrantStore) GetMeta(ctx context.Context, key string) (string, error) {
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.metaColl,
		Ids:            []*pb.PointId{s.pointID("meta:" + key)},
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Result) == 0 {
		return "", nil
	}
	return resp.Result[0].Payload["value"].GetStringValue(), nil
}

func (s *QdrantStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.metaColl,
		Points: []*pb.PointStruct{{
			Id:      s.pointID("meta:" + key),
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: []float32{0}}}},
			Payload: map[string]*pb.Value{
				"key":   strValue(key),
				"value": strValue(value),
			},
		}},
	})
	return err
}

func (s *QdrantStore) Close() error {
	return s.conn.Close()
}

func qdrantFilter(f Filter) *pb.Filter {
	var must []*pb.Condition
	if f.Model != "" {
		must = append(must, keywordCondition("model", f.Model))
	}
	if len(f.Repos) > 0 {
		must = append(must, keywordsCondition("repo", f.Repos))
	}
	if len(f.Languages) > 0 {
		must = append(must, keywordsCondition("language", f.Languages))
	}
	if len(must) == 0 {
		return nil
	}
	return &pb.Filter{Must: must}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func keywordsCondition(key string, values []string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: values}}},
			},
		},
	}
}

func recordFromPayload(payload map[string]*pb.Value) Record {
	return Record{
		ID:          payload["id"].GetStringValue(),
		FilePath:    payload["file_path"].GetStringValue(),
		Repo:        payload["repo"].GetStringValue(),
		Language:    payload["language"].GetStringValue(),
		Kind:        payload["kind"].GetStringValue(),
		Name:        payload["name"].GetStringValue(),
		StartLine:   int(payload["start_line"].GetIntegerValue()),
		EndLine:     int(payload["end_line"].GetIntegerValue()),
		Content:     payload["content"].GetStringValue(),
		ContentHash: payload["content_hash"].GetStringValue(),
		Model:       payload["model"].GetStringValue(),
		UpdatedAt:   time.Unix(0, payload["updated_at"].GetIntegerValue()).UTC(),
	}
}

func strValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(n int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}}
}

var _ Store = (*QdrantStore)(nil)
