package dispatch

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/escrow-dispatch/internal/apperr"
	"github.com/example/escrow-dispatch/internal/models"
)

// PostgresStore persists requests in the requests table. Archiving flips the
// archived flag; rows are never deleted.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Save(r *models.Request) error {
	_, err := p.db.Exec(`INSERT INTO requests(id, client_id, provider_id, status,
			pickup_addr, dropoff_addr, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
			distance_m, price, fee, total_price, escrow_tx_id, created_at, updated_at, archived)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NULLIF($15,''),$16,$17,false)`,
		r.ID, r.ClientID, r.ProviderID, r.Status,
		r.PickupAddr, r.DropoffAddr, r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.DistanceMeters, r.Price, r.Fee, r.TotalPrice, r.EscrowTxID, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return apperr.Internal(err)
	}
	return nil
}

func (p *PostgresStore) Update(r *models.Request) error {
	res, err := p.db.Exec(`UPDATE requests SET provider_id=NULLIF($1,''), status=$2,
			escrow_tx_id=NULLIF($3,''), updated_at=$4 WHERE id=$5`,
		r.ProviderID, r.Status, r.EscrowTxID, time.Now(), r.ID)
	if err != nil {
		return apperr.Internal(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("request", r.ID)
	}
	return nil
}

func (p *PostgresStore) Get(id string) (*models.Request, error) {
	r, err := scanRequest(p.db.QueryRow(`SELECT `+requestCols+` FROM requests WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("request", id)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return r, nil
}

func (p *PostgresStore) Pending() ([]models.Request, error) {
	rows, err := p.db.Query(`SELECT `+requestCols+` FROM requests WHERE status=$1 AND NOT archived`, models.RequestPending)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()
	var out []models.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Archive(r *models.Request) error {
	_, err := p.db.Exec(`UPDATE requests SET status=$1, archived=true, updated_at=$2 WHERE id=$3`,
		r.Status, time.Now(), r.ID)
	if err != nil {
		return apperr.Internal(err)
	}
	return nil
}

const requestCols = `id, client_id, COALESCE(provider_id,''), status,
	pickup_addr, dropoff_addr, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	distance_m, price, fee, total_price, COALESCE(escrow_tx_id,''), created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*models.Request, error) {
	var r models.Request
	err := row.Scan(&r.ID, &r.ClientID, &r.ProviderID, &r.Status,
		&r.PickupAddr, &r.DropoffAddr, &r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.DistanceMeters, &r.Price, &r.Fee, &r.TotalPrice, &r.EscrowTxID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
