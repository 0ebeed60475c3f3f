// Package reports answers read-only questions about outstanding loans. Queries
// are built with goqu and run through sqlx on the connection pool gorm opened.
package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
	"gorm.io/gorm"

	"librarydesk/internal/database"
)

// Loan is one outstanding assignment joined with user and book names.
type Loan struct {
	UserID      uint      `json:"user_id" db:"user_id"`
	Username    string    `json:"username" db:"username"`
	BookID      uint      `json:"book_id" db:"book_id"`
	BookName    string    `json:"book_name" db:"book_name"`
	AuthorName  *string   `json:"author_name" db:"author_name"`
	ReceiveDate time.Time `json:"receive_date" db:"receive_date"`
	ExpiryDate  time.Time `json:"expiry_date" db:"expiry_date"`
}

type Store struct {
	db      *sqlx.DB
	dialect goqu.DialectWrapper
}

func NewStore(db *sqlx.DB, dialect string) *Store {
	return &Store{db: db, dialect: goqu.Dialect(dialect)}
}

// NewStoreFromGorm shares gorm's *sql.DB so reports see the same database.
func NewStoreFromGorm(gdb *gorm.DB) (*Store, error) {
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("reports: %w", err)
	}
	dialect := database.Dialect(gdb)
	driverName := "pgx"
	if dialect == "sqlite3" {
		driverName = "sqlite3"
	}
	return NewStore(sqlx.NewDb(sqlDB, driverName), dialect), nil
}

// OpenLoans lists the outstanding assignments of one user, oldest first.
func (s *Store) OpenLoans(ctx context.Context, userID uint) ([]Loan, error) {
	ds := s.openLoans().
		Where(goqu.I("a.user_id").Eq(userID)).
		Order(goqu.I("a.receive_date").Asc(), goqu.I("a.book_id").Asc())
	return s.query(ctx, ds)
}

// Overdue lists outstanding assignments whose expiry date is before now,
// most overdue first.
func (s *Store) Overdue(ctx context.Context, now time.Time) ([]Loan, error) {
	ds := s.openLoans().
		Where(goqu.I("a.expiry_date").Lt(now.UTC())).
		Order(goqu.I("a.expiry_date").Asc(), goqu.I("a.user_id").Asc())
	return s.query(ctx, ds)
}

func (s *Store) openLoans() *goqu.SelectDataset {
	return s.dialect.
		From(goqu.T("assignment").As("a")).
		Join(goqu.T("user").As("u"), goqu.On(goqu.I("u.user_id").Eq(goqu.I("a.user_id")))).
		Join(goqu.T("book").As("b"), goqu.On(goqu.I("b.book_id").Eq(goqu.I("a.book_id")))).
		Select(
			goqu.I("a.user_id").As("user_id"),
			goqu.I("u.username").As("username"),
			goqu.I("a.book_id").As("book_id"),
			goqu.I("b.book_name").As("book_name"),
			goqu.I("b.author_name").As("author_name"),
			goqu.I("a.receive_date").As("receive_date"),
			goqu.I("a.expiry_date").As("expiry_date"),
		).
		Where(goqu.I("a.submitted_date").IsNull())
}

func (s *Store) query(ctx context.Context, ds *goqu.SelectDataset) ([]Loan, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("reports: build query: %w", err)
	}
	loans := make([]Loan, 0)
	if err := s.db.SelectContext(ctx, &loans, query, args...); err != nil {
		return nil, fmt.Errorf("reports: %w", err)
	}
	return loans, nil
}
