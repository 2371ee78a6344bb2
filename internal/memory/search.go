package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

// SemanticSearch returns messages whose stored embedding has cosine
// similarity strictly greater than threshold against queryEmbedding,
// ordered by similarity desc with created_at desc as a tiebreak.
//
// Dimension mismatch between queryEmbedding and a stored embedding fails
// the whole call with BadArgs rather than silently skipping rows, since a
// dimension drift usually indicates an embedding-model change that the
// caller needs to know about.
func (s *Store) SemanticSearch(ctx context.Context, queryEmbedding []float32, threshold float64, limit int) ([]Message, error) {
	if len(queryEmbedding) == 0 {
		return nil, errs.New(errs.BadArgs, component, "semantic_search", fmt.Errorf("query embedding is empty"))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, metadata, embedding, created_at FROM messages WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, errs.New(errs.Backend, component, "semantic_search", err)
	}
	defer rows.Close()

	type scored struct {
		msg   Message
		score float64
	}
	var candidates []scored

	for rows.Next() {
		var m Message
		var metaJSON sql.NullString
		var embBlob, sealed []byte
		var createdNs int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &sealed, &metaJSON, &embBlob, &createdNs); err != nil {
			return nil, errs.New(errs.Backend, component, "semantic_search", err)
		}
		content, err := s.enc.open(sealed)
		if err != nil {
			return nil, err
		}
		m.Content = content
		m.CreatedAt = time.Unix(0, createdNs).UTC()
		if metaJSON.Valid {
			m.Metadata, _ = unmarshalJSON(metaJSON.String)
		}

		emb := decodeEmbedding(embBlob)
		if len(emb) != len(queryEmbedding) {
			return nil, errs.New(errs.BadArgs, component, "semantic_search",
				fmt.Errorf("embedding dimension mismatch: query=%d stored=%d", len(queryEmbedding), len(emb)))
		}
		m.Embedding = emb

		score := cosineSimilarity(queryEmbedding, emb)
		if score > threshold {
			candidates = append(candidates, scored{msg: m, score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(errs.Backend, component, "semantic_search", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].msg.CreatedAt.After(candidates[j].msg.CreatedAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]Message, len(candidates))
	for i, c := range candidates {
		out[i] = c.msg
	}
	return out, nil
}

// SetMessageEmbedding attaches an embedding to an already-appended message.
func (s *Store) SetMessageEmbedding(ctx context.Context, messageID string, embedding []float32) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE messages SET embedding = ? WHERE id = ?`, encodeEmbedding(embedding), messageID)
	if err != nil {
		return errs.New(errs.Backend, component, "set_message_embedding", err)
	}
	return nil
}

func encodeEmbedding(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	n := len(buf) / 4
	vec := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(buf[i*4:])
		vec[i] = math.Float32frombits(bits)
	}
	return vec
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
