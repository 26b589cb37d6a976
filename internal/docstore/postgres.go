package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresStore is the concrete DocStore backed by sqlx + lib/pq. Every
// public Users()/Transactions()/Pipelines() call that mutates more than one
// row runs inside a single SQL transaction, matching C1's guarantee.
type PostgresStore struct {
	db *sqlx.DB
}

// Open connects to dsn, runs pending migrations, and returns a ready store.
func Open(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Users() UserStore               { return (*pgUsers)(s) }
func (s *PostgresStore) Transactions() TransactionStore { return (*pgTransactions)(s) }
func (s *PostgresStore) Pipelines() PipelineStore       { return (*pgPipelines)(s) }

// ---- users ----------------------------------------------------------------

type pgUsers PostgresStore

func (u *pgUsers) Get(ctx context.Context, userID string) (*User, error) {
	var row User
	db := (*PostgresStore)(u).db
	err := db.GetContext(ctx, &row, `SELECT id, credits, total_generated, created_at, updated_at FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &row, nil
}

func (u *pgUsers) DeductCredits(ctx context.Context, userID string, amount int64, jobID string) error {
	db := (*PostgresStore)(u).db
	return withTx(ctx, db, func(tx *sqlx.Tx) error {
		var balance int64
		if err := tx.GetContext(ctx, &balance, `SELECT credits FROM users WHERE id = $1 FOR UPDATE`, userID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock user: %w", err)
		}
		if balance < amount {
			return ErrInsufficientCredits
		}
		if _, err := tx.ExecContext(ctx, `UPDATE users SET credits = credits - $1, updated_at = now() WHERE id = $2`, amount, userID); err != nil {
			return fmt.Errorf("debit user: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO transactions (id, user_id, type, amount, job_id, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
			uuid.NewString(), userID, TxConsume, -amount, jobID, time.Now().UTC()); err != nil {
			return fmt.Errorf("insert consume row: %w", err)
		}
		return nil
	})
}

func (u *pgUsers) RefundCredits(ctx context.Context, userID string, amount int64, jobID string) error {
	db := (*PostgresStore)(u).db
	return withTx(ctx, db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET credits = credits + $1, updated_at = now() WHERE id = $2`, amount, userID)
		if err != nil {
			return fmt.Errorf("refund user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO transactions (id, user_id, type, amount, job_id, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
			uuid.NewString(), userID, TxRefund, amount, jobID, time.Now().UTC()); err != nil {
			return fmt.Errorf("insert refund row: %w", err)
		}
		return nil
	})
}

func (u *pgUsers) IncrementGenerationCount(ctx context.Context, userID string) error {
	db := (*PostgresStore)(u).db
	res, err := db.ExecContext(ctx, `UPDATE users SET total_generated = total_generated + 1, updated_at = now() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("increment generation count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ---- transactions -----------------------------------------------------------

type pgTransactions PostgresStore

func (t *pgTransactions) ListByJob(ctx context.Context, jobID string) ([]Transaction, error) {
	var rows []Transaction
	db := (*PostgresStore)(t).db
	err := db.SelectContext(ctx, &rows, `SELECT id, user_id, type, amount, job_id, created_at FROM transactions WHERE job_id = $1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list transactions by job: %w", err)
	}
	return rows, nil
}

func (t *pgTransactions) ListByUser(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	var rows []Transaction
	db := (*PostgresStore)(t).db
	err := db.SelectContext(ctx, &rows, `SELECT id, user_id, type, amount, job_id, created_at FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions by user: %w", err)
	}
	return rows, nil
}

// ---- pipelines --------------------------------------------------------------

type pgPipelines PostgresStore

// pipelineRow mirrors the pipelines table; jsonb columns are staged as raw
// bytes and converted to/from the domain Pipeline explicitly.
type pipelineRow struct {
	ID                       string         `db:"id"`
	UserID                   string         `db:"user_id"`
	Status                   string         `db:"status"`
	ProcessingMode           string         `db:"processing_mode"`
	GenerationMode           string         `db:"generation_mode"`
	UserDescription          string         `db:"user_description"`
	ProviderTaskID           string         `db:"provider_task_id"`
	ProviderSubscriptionKey  string         `db:"provider_subscription_key"`
	MeshURL                  string         `db:"mesh_url"`
	MeshStoragePath          string         `db:"mesh_storage_path"`
	MeshFormat               string         `db:"mesh_format"`
	TextureTaskID            string         `db:"texture_task_id"`
	TexturedModelURL         string         `db:"textured_model_url"`
	TexturedModelStoragePath string         `db:"textured_model_storage_path"`
	RegenerationsUsed        int            `db:"regenerations_used"`
	DownloadRetryCount       int            `db:"download_retry_count"`
	Error                    string         `db:"error"`
	ErrorStep                string         `db:"error_step"`
	InputImages              []byte         `db:"input_images"`
	ImageAnalysis            []byte         `db:"image_analysis"`
	MeshImages               []byte         `db:"mesh_images"`
	AggregatedColorPalette   []byte         `db:"aggregated_color_palette"`
	Settings                 []byte         `db:"settings"`
	MeshDownloadFiles        []byte         `db:"mesh_download_files"`
	CreditsCharged           []byte         `db:"credits_charged"`
	GenerationProgress       []byte         `db:"generation_progress"`
	CreatedAt                time.Time      `db:"created_at"`
	UpdatedAt                time.Time      `db:"updated_at"`
	CompletedAt              sql.NullTime   `db:"completed_at"`
}

func rowFromPipeline(p *Pipeline) (*pipelineRow, error) {
	marshal := func(v interface{}) ([]byte, error) { return json.Marshal(v) }

	inputImages, err := marshal(p.InputImages)
	if err != nil {
		return nil, err
	}
	var analysis []byte
	if p.ImageAnalysis != nil {
		if analysis, err = marshal(p.ImageAnalysis); err != nil {
			return nil, err
		}
	}
	meshImages, err := marshal(p.MeshImages)
	if err != nil {
		return nil, err
	}
	var palette []byte
	if p.AggregatedColorPalette != nil {
		if palette, err = marshal(p.AggregatedColorPalette); err != nil {
			return nil, err
		}
	}
	settings, err := marshal(p.Settings)
	if err != nil {
		return nil, err
	}
	files, err := marshal(p.MeshDownloadFiles)
	if err != nil {
		return nil, err
	}
	charged, err := marshal(p.CreditsCharged)
	if err != nil {
		return nil, err
	}
	progress, err := marshal(p.GenerationProgress)
	if err != nil {
		return nil, err
	}

	row := &pipelineRow{
		ID:                       p.ID,
		UserID:                   p.UserID,
		Status:                   string(p.Status),
		ProcessingMode:           string(p.ProcessingMode),
		GenerationMode:           p.GenerationMode,
		UserDescription:          p.UserDescription,
		ProviderTaskID:           p.ProviderTaskID,
		ProviderSubscriptionKey:  p.ProviderSubscriptionKey,
		MeshURL:                  p.MeshURL,
		MeshStoragePath:          p.MeshStoragePath,
		MeshFormat:               p.MeshFormat,
		TextureTaskID:            p.TextureTaskID,
		TexturedModelURL:         p.TexturedModelURL,
		TexturedModelStoragePath: p.TexturedModelStoragePath,
		RegenerationsUsed:        p.RegenerationsUsed,
		DownloadRetryCount:       p.DownloadRetryCount,
		Error:                    p.Error,
		ErrorStep:                string(p.ErrorStep),
		InputImages:              inputImages,
		ImageAnalysis:            analysis,
		MeshImages:               meshImages,
		AggregatedColorPalette:   palette,
		Settings:                 settings,
		MeshDownloadFiles:        files,
		CreditsCharged:           charged,
		GenerationProgress:       progress,
		CreatedAt:                p.CreatedAt,
		UpdatedAt:                p.UpdatedAt,
	}
	if p.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *p.CompletedAt, Valid: true}
	}
	return row, nil
}

func (r *pipelineRow) toDomain() (*Pipeline, error) {
	p := &Pipeline{
		ID:                       r.ID,
		UserID:                   r.UserID,
		Status:                   Status(r.Status),
		ProcessingMode:           ProcessingMode(r.ProcessingMode),
		GenerationMode:           r.GenerationMode,
		UserDescription:          r.UserDescription,
		ProviderTaskID:           r.ProviderTaskID,
		ProviderSubscriptionKey:  r.ProviderSubscriptionKey,
		MeshURL:                  r.MeshURL,
		MeshStoragePath:          r.MeshStoragePath,
		MeshFormat:               r.MeshFormat,
		TextureTaskID:            r.TextureTaskID,
		TexturedModelURL:         r.TexturedModelURL,
		TexturedModelStoragePath: r.TexturedModelStoragePath,
		RegenerationsUsed:        r.RegenerationsUsed,
		DownloadRetryCount:       r.DownloadRetryCount,
		Error:                    r.Error,
		ErrorStep:                ErrorStep(r.ErrorStep),
		CreatedAt:                r.CreatedAt,
		UpdatedAt:                r.UpdatedAt,
	}
	if err := scanJSON(r.InputImages, &p.InputImages); err != nil {
		return nil, fmt.Errorf("decode input_images: %w", err)
	}
	if len(r.ImageAnalysis) > 0 {
		var a Analysis
		if err := scanJSON(r.ImageAnalysis, &a); err != nil {
			return nil, fmt.Errorf("decode image_analysis: %w", err)
		}
		p.ImageAnalysis = &a
	}
	p.MeshImages = map[Angle]ProcessedImage{}
	if err := scanJSON(r.MeshImages, &p.MeshImages); err != nil {
		return nil, fmt.Errorf("decode mesh_images: %w", err)
	}
	if len(r.AggregatedColorPalette) > 0 {
		var ap AggregatedPalette
		if err := scanJSON(r.AggregatedColorPalette, &ap); err != nil {
			return nil, fmt.Errorf("decode aggregated_color_palette: %w", err)
		}
		p.AggregatedColorPalette = &ap
	}
	if err := scanJSON(r.Settings, &p.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := scanJSON(r.MeshDownloadFiles, &p.MeshDownloadFiles); err != nil {
		return nil, fmt.Errorf("decode mesh_download_files: %w", err)
	}
	if err := scanJSON(r.CreditsCharged, &p.CreditsCharged); err != nil {
		return nil, fmt.Errorf("decode credits_charged: %w", err)
	}
	if err := scanJSON(r.GenerationProgress, &p.GenerationProgress); err != nil {
		return nil, fmt.Errorf("decode generation_progress: %w", err)
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		p.CompletedAt = &t
	}
	return p, nil
}

const pipelineColumns = `id, user_id, status, processing_mode, generation_mode, user_description,
	provider_task_id, provider_subscription_key, mesh_url, mesh_storage_path, mesh_format,
	texture_task_id, textured_model_url, textured_model_storage_path, regenerations_used,
	download_retry_count, error, error_step, input_images, image_analysis, mesh_images,
	aggregated_color_palette, settings, mesh_download_files, credits_charged, generation_progress,
	created_at, updated_at, completed_at`

func (p *pgPipelines) Create(ctx context.Context, pipe *Pipeline) error {
	if pipe.ID == "" {
		pipe.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	pipe.CreatedAt, pipe.UpdatedAt = now, now
	row, err := rowFromPipeline(pipe)
	if err != nil {
		return fmt.Errorf("encode pipeline: %w", err)
	}
	db := (*PostgresStore)(p).db
	_, err = db.NamedExecContext(ctx, `INSERT INTO pipelines (`+pipelineColumns+`) VALUES (
		:id, :user_id, :status, :processing_mode, :generation_mode, :user_description,
		:provider_task_id, :provider_subscription_key, :mesh_url, :mesh_storage_path, :mesh_format,
		:texture_task_id, :textured_model_url, :textured_model_storage_path, :regenerations_used,
		:download_retry_count, :error, :error_step, :input_images, :image_analysis, :mesh_images,
		:aggregated_color_palette, :settings, :mesh_download_files, :credits_charged, :generation_progress,
		:created_at, :updated_at, :completed_at)`, row)
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

func (p *pgPipelines) Get(ctx context.Context, id string) (*Pipeline, error) {
	var row pipelineRow
	db := (*PostgresStore)(p).db
	err := db.GetContext(ctx, &row, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return row.toDomain()
}

func (p *pgPipelines) Update(ctx context.Context, pipe *Pipeline) error {
	pipe.UpdatedAt = time.Now().UTC()
	row, err := rowFromPipeline(pipe)
	if err != nil {
		return fmt.Errorf("encode pipeline: %w", err)
	}
	db := (*PostgresStore)(p).db
	res, err := db.NamedExecContext(ctx, `UPDATE pipelines SET
		status = :status, processing_mode = :processing_mode, generation_mode = :generation_mode,
		user_description = :user_description, provider_task_id = :provider_task_id,
		provider_subscription_key = :provider_subscription_key, mesh_url = :mesh_url,
		mesh_storage_path = :mesh_storage_path, mesh_format = :mesh_format,
		texture_task_id = :texture_task_id, textured_model_url = :textured_model_url,
		textured_model_storage_path = :textured_model_storage_path,
		regenerations_used = :regenerations_used, download_retry_count = :download_retry_count,
		error = :error, error_step = :error_step, input_images = :input_images,
		image_analysis = :image_analysis, mesh_images = :mesh_images,
		aggregated_color_palette = :aggregated_color_palette, settings = :settings,
		mesh_download_files = :mesh_download_files, credits_charged = :credits_charged,
		generation_progress = :generation_progress, updated_at = :updated_at, completed_at = :completed_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update pipeline: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *pgPipelines) List(ctx context.Context, userID string, status *Status, limit int) ([]*Pipeline, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	db := (*PostgresStore)(p).db
	var rows []pipelineRow
	var err error
	if status != nil {
		err = db.SelectContext(ctx, &rows, `SELECT `+pipelineColumns+` FROM pipelines WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT $3`, userID, string(*status), limit)
	} else {
		err = db.SelectContext(ctx, &rows, `SELECT `+pipelineColumns+` FROM pipelines WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return toDomainSlice(rows)
}

func (p *pgPipelines) ListActive(ctx context.Context, limit int) ([]*Pipeline, error) {
	if limit <= 0 {
		limit = 100
	}
	db := (*PostgresStore)(p).db
	var rows []pipelineRow
	err := db.SelectContext(ctx, &rows, `SELECT `+pipelineColumns+` FROM pipelines WHERE status IN ($1, $2) ORDER BY updated_at ASC LIMIT $3`,
		string(StatusGeneratingMesh), string(StatusGeneratingTexture), limit)
	if err != nil {
		return nil, fmt.Errorf("list active pipelines: %w", err)
	}
	return toDomainSlice(rows)
}

func toDomainSlice(rows []pipelineRow) ([]*Pipeline, error) {
	out := make([]*Pipeline, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
