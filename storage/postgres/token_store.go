package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sljivkov/dexoracle/domain"
	"github.com/sljivkov/dexoracle/storage"
)

// InsertChannel is the notification channel fed by the tokens insert trigger.
const InsertChannel = "token_inserts"

const unlistenTimeout = 5 * time.Second

// TokenStore implements storage.TokenStore using PostgreSQL.
type TokenStore struct {
	pool *Pool
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(pool *Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenStore = (*TokenStore)(nil)

// InsertToken registers a token. Returns ErrDuplicateKey if the address exists.
func (s *TokenStore) InsertToken(ctx context.Context, t domain.Token) error {
	query := `
		INSERT INTO tokens (address, name, symbol, decimals, registered_by, registered_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
	`

	var registeredAt *time.Time
	if !t.RegisteredAt.IsZero() {
		registeredAt = &t.RegisteredAt
	}

	_, err := s.pool.Exec(ctx, query,
		domain.NormalizeAddress(t.Address),
		t.Name,
		t.Symbol,
		int16(t.Decimals),
		t.RegisteredBy,
		registeredAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// ListTokens returns every registered token ordered by address.
func (s *TokenStore) ListTokens(ctx context.Context) ([]domain.Token, error) {
	query := `
		SELECT address, name, symbol, decimals, registered_by, registered_at
		FROM tokens
		ORDER BY address
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	var out []domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}

	return out, nil
}

// GetToken retrieves a token by address. Returns ErrNotFound if not registered.
func (s *TokenStore) GetToken(ctx context.Context, address string) (domain.Token, error) {
	query := `
		SELECT address, name, symbol, decimals, registered_by, registered_at
		FROM tokens
		WHERE address = $1
	`

	t, err := scanToken(s.pool.QueryRow(ctx, query, domain.NormalizeAddress(address)))
	if err != nil {
		if isNotFoundError(err) {
			return domain.Token{}, storage.ErrNotFound
		}
		return domain.Token{}, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

// GetSnapshot retrieves the snapshot of a token. Returns ErrNotFound if never written.
func (s *TokenStore) GetSnapshot(ctx context.Context, address string) (domain.PriceSnapshot, error) {
	query := `
		SELECT p.address, p.price_usd, p.valuation_usd, p.volume_usd_24h, p.total_supply::text,
		       t.decimals, p.pool_address, p.price_updated_at, p.volume_updated_at, p.last_updated
		FROM price_snapshots p
		JOIN tokens t ON t.address = p.address
		WHERE p.address = $1 AND p.last_updated IS NOT NULL
	`

	var (
		snap                        domain.PriceSnapshot
		supply                      *string
		decimals                    int16
		priceAt, volumeAt, lastSeen *time.Time
	)

	err := s.pool.QueryRow(ctx, query, domain.NormalizeAddress(address)).Scan(
		&snap.Address,
		&snap.PriceUSD,
		&snap.ValuationUSD,
		&snap.VolumeUSD24h,
		&supply,
		&decimals,
		&snap.PoolAddress,
		&priceAt,
		&volumeAt,
		&lastSeen,
	)
	if err != nil {
		if isNotFoundError(err) {
			return domain.PriceSnapshot{}, storage.ErrNotFound
		}
		return domain.PriceSnapshot{}, fmt.Errorf("get snapshot: %w", err)
	}

	snap.Decimals = uint8(decimals)
	snap.PriceUpdatedAt = deref(priceAt)
	snap.VolumeUpdatedAt = deref(volumeAt)
	snap.LastUpdated = deref(lastSeen)
	if supply != nil {
		if v, ok := new(big.Int).SetString(*supply, 10); ok {
			snap.TotalSupply = v
		}
	}

	return snap, nil
}

// ApplyPriceUpdate merges a swap-path update under the price timestamp guard.
func (s *TokenStore) ApplyPriceUpdate(ctx context.Context, u domain.PriceUpdate) (bool, error) {
	if !validPrice(u.PriceUSD) {
		return false, storage.ErrInvalidInput
	}

	query := `
		INSERT INTO price_snapshots AS ps (
			address, price_usd, valuation_usd, total_supply, pool_address, price_updated_at, last_updated
		) VALUES (
			$1, $2, COALESCE($3::double precision, 0), $4::numeric, COALESCE($5::text, ''), $6, $6
		)
		ON CONFLICT (address) DO UPDATE SET
			price_usd        = EXCLUDED.price_usd,
			valuation_usd    = COALESCE($3::double precision, ps.valuation_usd),
			total_supply     = COALESCE($4::numeric, ps.total_supply),
			pool_address     = COALESCE($5::text, ps.pool_address),
			price_updated_at = EXCLUDED.price_updated_at,
			last_updated     = GREATEST(EXCLUDED.price_updated_at, ps.volume_updated_at)
		WHERE ps.price_updated_at IS NULL OR ps.price_updated_at <= EXCLUDED.price_updated_at
	`

	tag, err := s.pool.Exec(ctx, query,
		domain.NormalizeAddress(u.Address),
		u.PriceUSD,
		amountParam(u.ValuationUSD),
		supplyParam(u.TotalSupply),
		addressParam(u.PoolAddress),
		u.ObservedAt.UTC(),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return false, storage.ErrNotFound
		}
		return false, fmt.Errorf("apply price update: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

const (
	priceGroupOK  = `($7::boolean AND (ps.price_updated_at IS NULL OR ps.price_updated_at <= $8::timestamptz))`
	volumeGroupOK = `($4::double precision IS NOT NULL AND (ps.volume_updated_at IS NULL OR ps.volume_updated_at <= $8::timestamptz))`
)

// marketUpsertSQL inserts or merges one reconciliation row. Rows for unregistered
// addresses are filtered by the statement itself so they cannot abort the batch.
var marketUpsertSQL = fmt.Sprintf(`
	INSERT INTO price_snapshots AS ps (
		address, price_usd, valuation_usd, volume_usd_24h, total_supply, pool_address,
		price_updated_at, volume_updated_at, last_updated
	)
	SELECT $1::text,
	       COALESCE($2::double precision, 0),
	       COALESCE($3::double precision, 0),
	       COALESCE($4::double precision, 0),
	       $5::numeric,
	       COALESCE($6::text, ''),
	       CASE WHEN $7::boolean THEN $8::timestamptz END,
	       CASE WHEN $4::double precision IS NOT NULL THEN $8::timestamptz END,
	       $8::timestamptz
	WHERE EXISTS (SELECT 1 FROM tokens WHERE address = $1::text)
	ON CONFLICT (address) DO UPDATE SET
		price_usd         = CASE WHEN %[1]s THEN COALESCE($2::double precision, ps.price_usd) ELSE ps.price_usd END,
		valuation_usd     = CASE WHEN %[1]s THEN COALESCE($3::double precision, ps.valuation_usd) ELSE ps.valuation_usd END,
		total_supply      = CASE WHEN %[1]s THEN COALESCE($5::numeric, ps.total_supply) ELSE ps.total_supply END,
		pool_address      = CASE WHEN %[1]s THEN COALESCE($6::text, ps.pool_address) ELSE ps.pool_address END,
		price_updated_at  = CASE WHEN %[1]s THEN $8::timestamptz ELSE ps.price_updated_at END,
		volume_usd_24h    = CASE WHEN %[2]s THEN $4::double precision ELSE ps.volume_usd_24h END,
		volume_updated_at = CASE WHEN %[2]s THEN $8::timestamptz ELSE ps.volume_updated_at END,
		last_updated      = GREATEST(
			CASE WHEN %[1]s THEN $8::timestamptz ELSE ps.price_updated_at END,
			CASE WHEN %[2]s THEN $8::timestamptz ELSE ps.volume_updated_at END
		)
	WHERE %[1]s OR %[2]s
`, priceGroupOK, volumeGroupOK)

// ApplyMarketUpdates bulk-merges reconciliation updates in a single batch round trip.
func (s *TokenStore) ApplyMarketUpdates(ctx context.Context, updates []domain.MarketUpdate) (int, error) {
	batch := &pgx.Batch{}

	for _, u := range updates {
		price := u.PriceUSD
		if price != nil && !validPrice(*price) {
			price = nil
		}
		valuation := amountParam(u.ValuationUSD)
		volume := amountParam(u.VolumeUSD24h)
		supply := supplyParam(u.TotalSupply)
		pool := addressParam(u.PoolAddress)

		// the price group is only written together with a valid price
		hasPrice := price != nil
		if !hasPrice && volume == nil {
			continue
		}

		batch.Queue(marketUpsertSQL,
			domain.NormalizeAddress(u.Address),
			price,
			valuation,
			volume,
			supply,
			pool,
			hasPrice,
			u.ObservedAt.UTC(),
		)
	}

	if batch.Len() == 0 {
		return 0, nil
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	changed := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			return changed, fmt.Errorf("apply market update: %w", err)
		}
		changed += int(tag.RowsAffected())
	}

	return changed, nil
}

// StalestTokens returns up to limit tokens ordered by max(last_updated, reconcile_attempted_at).
func (s *TokenStore) StalestTokens(ctx context.Context, limit int) ([]domain.StaleToken, error) {
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT t.address, t.name, t.symbol, t.decimals, t.registered_by, t.registered_at,
		       GREATEST(p.last_updated, p.reconcile_attempted_at) AS staleness
		FROM tokens t
		LEFT JOIN price_snapshots p ON p.address = t.address
		ORDER BY staleness ASC NULLS FIRST, t.address
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select stalest tokens: %w", err)
	}
	defer rows.Close()

	var out []domain.StaleToken
	for rows.Next() {
		var (
			st       domain.StaleToken
			decimals int16
			seen     *time.Time
		)
		if err := rows.Scan(
			&st.Address,
			&st.Name,
			&st.Symbol,
			&decimals,
			&st.RegisteredBy,
			&st.RegisteredAt,
			&seen,
		); err != nil {
			return nil, fmt.Errorf("scan stale token: %w", err)
		}
		st.Decimals = uint8(decimals)
		st.LastUpdated = deref(seen)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale tokens: %w", err)
	}

	return out, nil
}

// MarkReconcileAttempted stamps the reconcile attempt time of registered addresses.
func (s *TokenStore) MarkReconcileAttempted(ctx context.Context, addresses []string, at time.Time) error {
	if len(addresses) == 0 {
		return nil
	}

	normalized := make([]string, 0, len(addresses))
	for _, a := range addresses {
		normalized = append(normalized, domain.NormalizeAddress(a))
	}

	query := `
		INSERT INTO price_snapshots AS ps (address, reconcile_attempted_at)
		SELECT address, $2 FROM tokens WHERE address = ANY($1)
		ON CONFLICT (address) DO UPDATE SET
			reconcile_attempted_at = GREATEST(ps.reconcile_attempted_at, EXCLUDED.reconcile_attempted_at)
	`

	if _, err := s.pool.Exec(ctx, query, normalized, at.UTC()); err != nil {
		return fmt.Errorf("mark reconcile attempted: %w", err)
	}
	return nil
}

// tokenPayload mirrors row_to_json(tokens) as sent by the insert trigger.
type tokenPayload struct {
	Address      string    `json:"address"`
	Name         string    `json:"name"`
	Symbol       string    `json:"symbol"`
	Decimals     uint8     `json:"decimals"`
	RegisteredBy string    `json:"registered_by"`
	RegisteredAt time.Time `json:"registered_at"`
}

// WatchInserts listens on InsertChannel with a dedicated connection. The channel is
// closed when ctx is done or the connection fails.
func (s *TokenStore) WatchInserts(ctx context.Context) (<-chan domain.Token, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+InsertChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", InsertChannel, err)
	}

	out := make(chan domain.Token)

	go func() {
		defer close(out)
		defer func() {
			unlistenCtx, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
			defer cancel()

			if _, err := conn.Exec(unlistenCtx, "UNLISTEN *"); err != nil {
				_ = conn.Conn().Close(unlistenCtx)
			}
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}

			var p tokenPayload
			if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
				continue
			}

			select {
			case out <- domain.Token(p):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// scanToken scans a single row into Token.
func scanToken(row pgx.Row) (domain.Token, error) {
	var (
		t        domain.Token
		decimals int16
	)

	err := row.Scan(
		&t.Address,
		&t.Name,
		&t.Symbol,
		&decimals,
		&t.RegisteredBy,
		&t.RegisteredAt,
	)
	if err != nil {
		return domain.Token{}, err
	}
	t.Decimals = uint8(decimals)

	return t, nil
}

func validPrice(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// amountParam drops negative or non-finite amounts so they never reach the row.
func amountParam(v *float64) *float64 {
	if v == nil || *v < 0 || math.IsInf(*v, 0) || math.IsNaN(*v) {
		return nil
	}
	return v
}

func supplyParam(v *big.Int) *string {
	if v == nil || v.Sign() < 0 {
		return nil
	}
	s := v.String()
	return &s
}

func addressParam(v string) *string {
	if v == "" {
		return nil
	}
	s := domain.NormalizeAddress(v)
	return &s
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
