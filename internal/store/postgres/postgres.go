// Package postgres implements store.Store on PostgreSQL with pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/certauction/internal/domain"
	"github.com/efreitasn/certauction/internal/store"
)

// schema is applied by Migrate. The partial unique index backs the
// one-WINNING-bid-per-certificate rule at the database level.
const schema = `
CREATE TABLE IF NOT EXISTS certificates (
	id                 TEXT PRIMARY KEY,
	certificate_number TEXT NOT NULL,
	county_id          TEXT NOT NULL,
	parcel_id          TEXT NOT NULL,
	face_value         NUMERIC(14,2) NOT NULL,
	status             TEXT NOT NULL,
	interest_rate      NUMERIC(6,4),
	purchaser_id       TEXT,
	purchase_date      TIMESTAMPTZ,
	batch_id           TEXT,
	auction_id         TEXT,
	auction_date       TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	CONSTRAINT certificates_single_owner CHECK (batch_id IS NULL OR auction_id IS NULL)
);
CREATE INDEX IF NOT EXISTS certificates_status_idx ON certificates (status);
CREATE INDEX IF NOT EXISTS certificates_batch_idx ON certificates (batch_id);
CREATE INDEX IF NOT EXISTS certificates_auction_idx ON certificates (auction_id);

CREATE TABLE IF NOT EXISTS certificate_batches (
	id                  TEXT PRIMARY KEY,
	county_id           TEXT NOT NULL,
	status              TEXT NOT NULL,
	start_time          TIMESTAMPTZ NOT NULL,
	end_time            TIMESTAMPTZ NOT NULL,
	closing_interval_ns BIGINT NOT NULL DEFAULT 0,
	certificate_ids     TEXT[] NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS certificate_batches_status_idx ON certificate_batches (status);

CREATE TABLE IF NOT EXISTS auctions (
	id           TEXT PRIMARY KEY,
	county_id    TEXT NOT NULL,
	auction_date TIMESTAMPTZ NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS bids (
	id             TEXT PRIMARY KEY,
	certificate_id TEXT NOT NULL REFERENCES certificates (id),
	bidder_id      TEXT NOT NULL,
	interest_rate  NUMERIC(6,4) NOT NULL,
	ts             TIMESTAMPTZ NOT NULL,
	status         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS bids_rank_idx ON bids (certificate_id, interest_rate, ts, id);
CREATE UNIQUE INDEX IF NOT EXISTS bids_one_winner_idx ON bids (certificate_id) WHERE status = 'WINNING';
`

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL store.Store.
type Store struct {
	reader
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.Store = (*Store)(nil)

// New wraps an open pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{reader: reader{q: pool}, pool: pool, logger: logger}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// InTx runs fn in a transaction, rolling back unless fn and the commit
// both succeed.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := pgTx.Rollback(ctx); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
				s.logger.Warn("postgres rollback failed", slog.String("error", rerr.Error()))
			}
		}
	}()

	if err := fn(&tx{reader: reader{q: pgTx}}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	committed = true
	return nil
}

// tx is the store.Tx over a pgx transaction.
type tx struct {
	reader
}

const certificateColumns = `id, certificate_number, county_id, parcel_id, face_value::text, status,
	interest_rate::text, purchaser_id, purchase_date, batch_id, auction_id, auction_date, created_at, updated_at`

// LockCertificate reads the certificate with FOR UPDATE.
func (t *tx) LockCertificate(ctx context.Context, id string) (*domain.Certificate, error) {
	row := t.q.QueryRow(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id = $1 FOR UPDATE`, id)
	return scanCertificate(row)
}

// LockBatch reads the batch with FOR UPDATE.
func (t *tx) LockBatch(ctx context.Context, id string) (*domain.CertificateBatch, error) {
	row := t.q.QueryRow(ctx, `SELECT `+batchColumns+` FROM certificate_batches WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBatchNotFound
	}
	return b, err
}

// LockAuction reads the auction with FOR UPDATE.
func (t *tx) LockAuction(ctx context.Context, id string) (*domain.Auction, error) {
	row := t.q.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAuctionNotFound
	}
	return a, err
}

func (t *tx) CreateCertificate(ctx context.Context, c *domain.Certificate) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO certificates (id, certificate_number, county_id, parcel_id, face_value, status,
			interest_rate, purchaser_id, purchase_date, batch_id, auction_id, auction_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7::numeric, $8, $9, $10, $11, $12, $13, $14)
	`, c.ID, c.CertificateNumber, c.CountyID, c.ParcelID, c.FaceValue.String(), string(c.Status),
		nullDecimal(c.InterestRate), nullString(c.PurchaserID), c.PurchaseDate,
		nullString(c.BatchID), nullString(c.AuctionID), c.AuctionDate, c.CreatedAt, c.UpdatedAt)
	return mapWriteError(err)
}

func (t *tx) UpdateCertificate(ctx context.Context, c *domain.Certificate) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE certificates SET status = $2, interest_rate = $3::numeric, purchaser_id = $4,
			purchase_date = $5, batch_id = $6, auction_id = $7, auction_date = $8, updated_at = $9
		WHERE id = $1
	`, c.ID, string(c.Status), nullDecimal(c.InterestRate), nullString(c.PurchaserID), c.PurchaseDate,
		nullString(c.BatchID), nullString(c.AuctionID), c.AuctionDate, c.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrCertificateNotFound
	}
	return nil
}

func (t *tx) CreateBatch(ctx context.Context, b *domain.CertificateBatch) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO certificate_batches (id, county_id, status, start_time, end_time, closing_interval_ns,
			certificate_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, b.ID, b.CountyID, string(b.Status), b.StartTime, b.EndTime, int64(b.ClosingInterval),
		b.CertificateIDs, b.CreatedAt, b.UpdatedAt)
	return mapWriteError(err)
}

func (t *tx) UpdateBatch(ctx context.Context, b *domain.CertificateBatch) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE certificate_batches SET status = $2, start_time = $3, end_time = $4,
			closing_interval_ns = $5, certificate_ids = $6, updated_at = $7
		WHERE id = $1
	`, b.ID, string(b.Status), b.StartTime, b.EndTime, int64(b.ClosingInterval), b.CertificateIDs, b.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBatchNotFound
	}
	return nil
}

func (t *tx) CreateAuction(ctx context.Context, a *domain.Auction) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO auctions (id, county_id, auction_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.CountyID, a.AuctionDate, string(a.Status), a.CreatedAt, a.UpdatedAt)
	return mapWriteError(err)
}

func (t *tx) UpdateAuction(ctx context.Context, a *domain.Auction) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE auctions SET auction_date = $2, status = $3, updated_at = $4 WHERE id = $1
	`, a.ID, a.AuctionDate, string(a.Status), a.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAuctionNotFound
	}
	return nil
}

func (t *tx) CreateBid(ctx context.Context, b *domain.Bid) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO bids (id, certificate_id, bidder_id, interest_rate, ts, status)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
	`, b.ID, b.CertificateID, b.BidderID, b.InterestRate.String(), b.Timestamp, string(b.Status))
	return mapWriteError(err)
}

func (t *tx) UpdateBid(ctx context.Context, b *domain.Bid) error {
	tag, err := t.q.Exec(ctx, `UPDATE bids SET status = $2 WHERE id = $1`, b.ID, string(b.Status))
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBidNotFound
	}
	return nil
}

// reader implements store.Reader over any querier.
type reader struct {
	q querier
}

func (r reader) GetCertificate(ctx context.Context, id string) (*domain.Certificate, error) {
	row := r.q.QueryRow(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id = $1`, id)
	return scanCertificate(row)
}

func (r reader) ListCertificates(ctx context.Context, f store.CertificateFilter) ([]*domain.Certificate, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.BatchID != "" {
		add("batch_id = $%d", f.BatchID)
	}
	if f.AuctionID != "" {
		add("auction_id = $%d", f.AuctionID)
	}
	if f.CountyID != "" {
		add("county_id = $%d", f.CountyID)
	}

	sql := `SELECT ` + certificateColumns + ` FROM certificates`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY certificate_number, id"

	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*domain.Certificate, 0)
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

const batchColumns = `id, county_id, status, start_time, end_time, closing_interval_ns, certificate_ids, created_at, updated_at`

func (r reader) GetBatch(ctx context.Context, id string) (*domain.CertificateBatch, error) {
	row := r.q.QueryRow(ctx, `SELECT `+batchColumns+` FROM certificate_batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBatchNotFound
	}
	return b, err
}

func (r reader) ListBatches(ctx context.Context, f store.BatchFilter) ([]*domain.CertificateBatch, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.DueBefore != nil {
		args = append(args, *f.DueBefore)
		where = append(where, fmt.Sprintf(
			"(CASE WHEN status = 'SCHEDULED' THEN start_time ELSE end_time END) <= $%d", len(args)))
	}

	sql := `SELECT ` + batchColumns + ` FROM certificate_batches`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY start_time, id"

	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*domain.CertificateBatch, 0)
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

const auctionColumns = `id, county_id, auction_date, status, created_at, updated_at`

func (r reader) GetAuction(ctx context.Context, id string) (*domain.Auction, error) {
	row := r.q.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAuctionNotFound
	}
	return a, err
}

func (r reader) ListAuctions(ctx context.Context, f store.AuctionFilter) ([]*domain.Auction, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.CountyID != "" {
		args = append(args, f.CountyID)
		where = append(where, fmt.Sprintf("county_id = $%d", len(args)))
	}

	sql := `SELECT ` + auctionColumns + ` FROM auctions`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY auction_date, id"

	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*domain.Auction, 0)
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

const bidColumns = `id, certificate_id, bidder_id, interest_rate::text, ts, status`

// bidOrder ranks bids best first: lowest rate, then earliest, then id.
const bidOrder = ` ORDER BY interest_rate, ts, id`

func (r reader) GetBid(ctx context.Context, id string) (*domain.Bid, error) {
	row := r.q.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id)
	b, err := scanBid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrBidNotFound
	}
	return b, err
}

func (r reader) ListBids(ctx context.Context, f store.BidFilter) ([]*domain.Bid, error) {
	var (
		where []string
		args  []any
	)
	if f.CertificateID != "" {
		args = append(args, f.CertificateID)
		where = append(where, fmt.Sprintf("certificate_id = $%d", len(args)))
	}
	if f.BidderID != "" {
		args = append(args, f.BidderID)
		where = append(where, fmt.Sprintf("bidder_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	sql := `SELECT ` + bidColumns + ` FROM bids`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += bidOrder

	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*domain.Bid, 0)
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (r reader) WinningBid(ctx context.Context, certificateID string) (*domain.Bid, error) {
	row := r.q.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids
		WHERE certificate_id = $1 AND status = 'WINNING'`+bidOrder+` LIMIT 1`, certificateID)
	b, err := scanBid(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (r reader) CountBids(ctx context.Context, certificateID string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `SELECT count(*) FROM bids WHERE certificate_id = $1`, certificateID).Scan(&n)
	return n, err
}

func scanCertificate(row pgx.Row) (*domain.Certificate, error) {
	var (
		c                             domain.Certificate
		faceValue, status             string
		rate                          *string
		purchaser, batchID, auctionID *string
	)
	err := row.Scan(&c.ID, &c.CertificateNumber, &c.CountyID, &c.ParcelID, &faceValue, &status,
		&rate, &purchaser, &c.PurchaseDate, &batchID, &auctionID, &c.AuctionDate, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCertificateNotFound
		}
		return nil, err
	}

	c.FaceValue, err = decimal.NewFromString(faceValue)
	if err != nil {
		return nil, fmt.Errorf("parse face value: %w", err)
	}
	if rate != nil {
		r, err := decimal.NewFromString(*rate)
		if err != nil {
			return nil, fmt.Errorf("parse interest rate: %w", err)
		}
		c.InterestRate = &r
	}
	c.Status = domain.CertificateStatus(status)
	c.PurchaserID = deref(purchaser)
	c.BatchID = deref(batchID)
	c.AuctionID = deref(auctionID)
	return &c, nil
}

func scanBatch(row pgx.Row) (*domain.CertificateBatch, error) {
	var (
		b         domain.CertificateBatch
		status    string
		closingNS int64
	)
	if err := row.Scan(&b.ID, &b.CountyID, &status, &b.StartTime, &b.EndTime, &closingNS,
		&b.CertificateIDs, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = domain.BatchStatus(status)
	b.ClosingInterval = time.Duration(closingNS)
	return &b, nil
}

func scanAuction(row pgx.Row) (*domain.Auction, error) {
	var (
		a      domain.Auction
		status string
	)
	if err := row.Scan(&a.ID, &a.CountyID, &a.AuctionDate, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = domain.AuctionStatus(status)
	return &a, nil
}

func scanBid(row pgx.Row) (*domain.Bid, error) {
	var (
		b            domain.Bid
		rate, status string
	)
	if err := row.Scan(&b.ID, &b.CertificateID, &b.BidderID, &rate, &b.Timestamp, &status); err != nil {
		return nil, err
	}
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("parse bid rate: %w", err)
	}
	b.InterestRate = r
	b.Status = domain.BidStatus(status)
	return &b, nil
}

// mapWriteError turns unique violations into domain.ErrAlreadyExists.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, pgErr.ConstraintName)
	}
	return err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
