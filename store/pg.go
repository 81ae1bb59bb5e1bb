package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"

	"github.com/finrag/finrag/document"
)

// PGStore implements DocumentStore on PostgreSQL with the pgvector extension.
// Lexical ranking uses ts_rank_cd over a tsvector expression index, the
// TF-IDF family ranking Postgres ships with.
type PGStore struct {
	db         *sql.DB
	embedModel string
	dimension  int
}

// NewPGStore connects and prepares the schema.
func NewPGStore(databaseURL, embedModel string, dimension int) (*PGStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	s := &PGStore{db: db, embedModel: embedModel, dimension: dimension}
	if err := s.setup(context.Background()); err != nil {
		return nil, fmt.Errorf("store: setup schema: %w", err)
	}
	return s, nil
}

func (s *PGStore) setup(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_pages (
			id BIGSERIAL PRIMARY KEY,
			file_hash TEXT NOT NULL,
			source_file TEXT NOT NULL,
			page INTEGER NOT NULL,
			company_name TEXT,
			doc_type TEXT,
			fiscal_year INTEGER,
			fiscal_quarter TEXT,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			embedding_model TEXT NOT NULL
		)`, s.dimension),
		`CREATE INDEX IF NOT EXISTS idx_document_pages_file_hash ON document_pages (file_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_document_pages_company ON document_pages (company_name)`,
		`CREATE INDEX IF NOT EXISTS idx_document_pages_fts ON document_pages USING gin (to_tsvector('english', content))`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const chunkColumns = `file_hash, source_file, page, company_name, doc_type, fiscal_year, fiscal_quarter, content, content_hash, embedding`

// VectorSearch implements DocumentStore.
func (s *PGStore) VectorSearch(ctx context.Context, embedding []float32, topN int, filters document.Metadata) ([]document.Chunk, error) {
	where, args := s.filterClause(filters)
	args = append(args, vectorLiteral(embedding))
	vecArg := len(args)
	args = append(args, topN)

	query := fmt.Sprintf(
		`SELECT %s, 1 - (embedding <=> $%d::vector) AS score
		 FROM document_pages
		 WHERE %s
		 ORDER BY embedding <=> $%d::vector
		 LIMIT $%d`,
		chunkColumns, vecArg, where, vecArg, vecArg+1,
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: vector search: %w", err)
	}
	defer rows.Close()
	return s.scanChunks(rows, true)
}

// LexicalSearch implements DocumentStore.
func (s *PGStore) LexicalSearch(ctx context.Context, text string, topN int, filters document.Metadata) ([]document.Chunk, error) {
	where, args := s.filterClause(filters)
	args = append(args, text)
	textArg := len(args)
	args = append(args, topN)

	query := fmt.Sprintf(
		`SELECT %s, ts_rank_cd(to_tsvector('english', content), plainto_tsquery('english', $%d)) AS score
		 FROM document_pages
		 WHERE %s AND to_tsvector('english', content) @@ plainto_tsquery('english', $%d)
		 ORDER BY score DESC, content_hash
		 LIMIT $%d`,
		chunkColumns, textArg, where, textArg, textArg+1,
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: lexical search: %w", err)
	}
	defer rows.Close()
	return s.scanChunks(rows, false)
}

// InsertPages implements DocumentStore.
func (s *PGStore) InsertPages(ctx context.Context, pages []document.Chunk) error {
	if len(pages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO document_pages (`+chunkColumns+`, embedding_model)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::vector,$11)`)
	if err != nil {
		return fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, page := range pages {
		page.EnsureHash()
		_, err := stmt.ExecContext(ctx,
			page.DocumentID, page.SourceFile, page.Page,
			nullString(page.Metadata.CompanyName), nullString(page.Metadata.DocType),
			nullInt(page.Metadata.FiscalYear), nullString(page.Metadata.FiscalQuarter),
			page.Content, page.ContentHash, vectorLiteral(page.Embedding), s.embedModel,
		)
		if err != nil {
			return fmt.Errorf("store: insert page %d of %s: %w", page.Page, page.SourceFile, err)
		}
	}
	return tx.Commit()
}

// HasFile implements DocumentStore.
func (s *PGStore) HasFile(ctx context.Context, fileHash string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM document_pages WHERE file_hash = $1 LIMIT 1`, fileHash).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: lookup file hash: %w", err)
	}
	return true, nil
}

// VerifyEmbeddingModel implements DocumentStore.
func (s *PGStore) VerifyEmbeddingModel(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT embedding_model FROM document_pages`)
	if err != nil {
		return fmt.Errorf("store: verify embedding model: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		if err := rows.Scan(&model); err != nil {
			return fmt.Errorf("store: verify embedding model: %w", err)
		}
		if model != s.embedModel {
			return fmt.Errorf("%w: stored %q, configured %q", ErrEmbeddingModelMismatch, model, s.embedModel)
		}
	}
	return rows.Err()
}

// Ping implements DocumentStore.
func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	return s.db.Close()
}

func (s *PGStore) filterClause(filters document.Metadata) (string, []any) {
	conditions := []string{"embedding_model = $1"}
	args := []any{s.embedModel}
	add := func(cond string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filters.CompanyName != "" {
		add("company_name = $%d", filters.CompanyName)
	}
	if filters.DocType != "" {
		add("doc_type = $%d", filters.DocType)
	}
	if filters.FiscalYear != 0 {
		add("fiscal_year = $%d", filters.FiscalYear)
	}
	if filters.FiscalQuarter != "" {
		add("fiscal_quarter = $%d", filters.FiscalQuarter)
	}
	return strings.Join(conditions, " AND "), args
}

func (s *PGStore) scanChunks(rows *sql.Rows, vectorScore bool) ([]document.Chunk, error) {
	var out []document.Chunk
	for rows.Next() {
		var (
			chunk    document.Chunk
			company  sql.NullString
			docType  sql.NullString
			year     sql.NullInt64
			quarter  sql.NullString
			embedRaw string
			score    float64
		)
		err := rows.Scan(
			&chunk.DocumentID, &chunk.SourceFile, &chunk.Page,
			&company, &docType, &year, &quarter,
			&chunk.Content, &chunk.ContentHash, &embedRaw, &score,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan chunk: %w", err)
		}
		chunk.Metadata = document.Metadata{
			CompanyName:   company.String,
			DocType:       docType.String,
			FiscalYear:    int(year.Int64),
			FiscalQuarter: quarter.String,
		}
		chunk.Source = document.SourceLocal
		chunk.Embedding = parseVectorLiteral(embedRaw)
		if vectorScore {
			chunk.VectorScore = float32(score)
		} else {
			chunk.LexicalScore = float32(score)
		}
		out = append(out, chunk)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// vectorLiteral renders a []float32 in pgvector's text format.
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVectorLiteral(raw string) []float32 {
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil
		}
		vec = append(vec, float32(f))
	}
	return vec
}
