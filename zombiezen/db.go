package zombiezen

import (
	"context"
	"fmt"

	certrenew "github.com/caasmo/restinpieces-certrenew"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS certificates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier TEXT NOT NULL,
	domains TEXT NOT NULL,
	certificate_chain TEXT NOT NULL,
	private_key TEXT NOT NULL,
	issued_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_certificates_identifier ON certificates (identifier, issued_at);`

// Db implements certrenew.Writer and certrenew.Reader using zombiezen/sqlite.
type Db struct {
	pool *sqlitex.Pool
}

// NewWriter creates a new Db instance satisfying the Writer interface.
// It expects the sqlitex.Pool to be created and managed externally.
func NewWriter(pool *sqlitex.Pool) *Db {
	if pool == nil {
		panic("zombiezen.NewWriter: received nil pool")
	}
	return &Db{pool: pool}
}

// CreateTable creates the certificates table if it does not exist.
func (d *Db) CreateTable(ctx context.Context) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, createTableSQL, nil); err != nil {
		return fmt.Errorf("db: failed to create certificates table: %w", err)
	}
	return nil
}

// AddCert adds a new certificate record to the 'certificates' table.
func (d *Db) AddCert(cert certrenew.Cert) error {
	conn, err := d.pool.Take(context.Background())
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	// Relies on DB defaults for id, created_at
	err = sqlitex.Execute(conn,
		`INSERT INTO certificates (
			identifier, domains, certificate_chain, private_key, issued_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?);`,
		&sqlitex.ExecOptions{
			Args: []interface{}{
				cert.Identifier,
				cert.Domains,
				cert.CertificateChain,
				cert.PrivateKey,
				certrenew.TimeFormat(cert.IssuedAt),
				certrenew.TimeFormat(cert.ExpiresAt),
			},
		})
	if err != nil {
		return fmt.Errorf("db: failed to insert certificate for identifier %q: %w", cert.Identifier, err)
	}
	return nil
}

// LatestCert returns the record with the newest issued_at for identifier.
func (d *Db) LatestCert(identifier string) (*certrenew.Cert, error) {
	conn, err := d.pool.Take(context.Background())
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	var (
		cert     *certrenew.Cert
		parseErr error
	)
	err = sqlitex.Execute(conn,
		`SELECT id, identifier, domains, certificate_chain, private_key, issued_at, expires_at
		FROM certificates
		WHERE identifier = ?
		ORDER BY issued_at DESC, id DESC
		LIMIT 1;`,
		&sqlitex.ExecOptions{
			Args: []interface{}{identifier},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				issuedAt, err := certrenew.ParseTime(stmt.ColumnText(5))
				if err != nil {
					parseErr = fmt.Errorf("db: invalid issued_at for %q: %w", identifier, err)
					return nil
				}
				expiresAt, err := certrenew.ParseTime(stmt.ColumnText(6))
				if err != nil {
					parseErr = fmt.Errorf("db: invalid expires_at for %q: %w", identifier, err)
					return nil
				}
				cert = &certrenew.Cert{
					ID:               stmt.ColumnInt64(0),
					Identifier:       stmt.ColumnText(1),
					Domains:          stmt.ColumnText(2),
					CertificateChain: stmt.ColumnText(3),
					PrivateKey:       stmt.ColumnText(4),
					IssuedAt:         issuedAt,
					ExpiresAt:        expiresAt,
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to query certificate for identifier %q: %w", identifier, err)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: %s", certrenew.ErrCertNotFound, identifier)
	}
	return cert, nil
}
