package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"librarydesk/internal/auth"
	"librarydesk/internal/config"
	"librarydesk/internal/database"
	"librarydesk/internal/models"
	"librarydesk/internal/reports"
	"librarydesk/internal/repositories"
)

type fixture struct {
	db      *gorm.DB
	svc     LibraryService
	now     time.Time
	admin   *models.User
	manager *models.User
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(&config.Config{
		DBDriver:     config.DriverSQLite,
		DatabaseURL:  ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithBooks(t, nil)
}

// newFixtureWithBooks lets a test wrap the book repository the service uses.
func newFixtureWithBooks(t *testing.T, wrap func(repositories.BookRepository) repositories.BookRepository) *fixture {
	t.Helper()
	db := setupTestDB(t)
	now := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)

	users := repositories.NewUserRepository(db)
	issuer, err := auth.NewTokenIssuer([]byte("test-secret"), "HS256")
	require.NoError(t, err)
	authn := auth.NewAuthenticator(db, users, auth.NewPasswordHasher(bcrypt.MinCost), issuer)
	loanReports, err := reports.NewStoreFromGorm(db)
	require.NoError(t, err)

	books := repositories.NewBookRepository(db)
	if wrap != nil {
		books = wrap(books)
	}
	svc := NewLibraryService(db, users,
		books,
		repositories.NewAssignmentRepository(db),
		authn, loanReports,
		WithClock(func() time.Time { return now }),
	)

	ctx := context.Background()
	admin, err := svc.ProvisionUser(ctx, NewUser{Username: "root", Email: "root@example.com", Password: "rootpw"}, models.UserRoleSuperAdmin)
	require.NoError(t, err)
	manager, err := svc.ProvisionUser(ctx, NewUser{Username: "desk", Email: "desk@example.com", Password: "deskpw"}, models.UserRoleLibraryManager)
	require.NoError(t, err)

	return &fixture{db: db, svc: svc, now: now, admin: admin, manager: manager}
}

func (f *fixture) reader(t *testing.T, username string) *models.User {
	t.Helper()
	u, err := f.svc.CreateUser(context.Background(), NewUser{Username: username, Email: username + "@example.com", Password: "pw-" + username})
	require.NoError(t, err)
	return u
}

func (f *fixture) book(t *testing.T, name, author string) *models.Book {
	t.Helper()
	b, err := f.svc.AddBook(context.Background(), f.admin, NewBook{Name: name, Price: 10, AuthorName: &author})
	require.NoError(t, err)
	return b
}

func (f *fixture) reloadBook(t *testing.T, id uint) *models.Book {
	t.Helper()
	var b models.Book
	require.NoError(t, f.db.First(&b, "book_id = ?", id).Error)
	return &b
}

func TestCreateUserHashesPasswordAndForcesReader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, err := f.svc.CreateUser(ctx, NewUser{Username: "alice", Email: "alice@example.com", Password: "pw1"})
	require.NoError(t, err)
	assert.Equal(t, models.UserRoleReader, alice.Role)
	assert.NotEqual(t, "pw1", alice.Password)

	var stored models.User
	require.NoError(t, f.db.First(&stored, "user_id = ?", alice.ID).Error)
	assert.NotEqual(t, "pw1", stored.Password)
	assert.Equal(t, models.UserRoleReader, stored.Role)

	token, err := f.svc.Authenticate(ctx, "alice", "pw1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	for _, wrong := range []string{"pw2", "PW1", "pw1 ", ""} {
		_, err = f.svc.Authenticate(ctx, "alice", wrong)
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials, wrong)
	}
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	f := newFixture(t)
	f.reader(t, "alice")

	_, err := f.svc.CreateUser(context.Background(), NewUser{Username: "alice", Email: "other@example.com", Password: "x"})
	assert.ErrorIs(t, err, ErrUsernameTaken)
	assert.ErrorIs(t, err, ErrConflict)

	users, err := f.svc.ListUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, users, 3)
}

func TestCreateUserValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateUser(ctx, NewUser{Username: "  ", Password: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.CreateUser(ctx, NewUser{Username: "bob", Password: ""})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.ProvisionUser(ctx, NewUser{Username: "eve", Password: "x"}, models.UserRole("owner"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSetRole(t *testing.T) {
	f := newFixture(t)
	f.reader(t, "alice")

	u, err := f.svc.SetRole(context.Background(), "alice", models.UserRoleLibraryManager)
	require.NoError(t, err)
	assert.Equal(t, models.UserRoleLibraryManager, u.Role)

	_, err = f.svc.SetRole(context.Background(), "nobody", models.UserRoleReader)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRoleGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.reader(t, "alice")
	author := "Herbert"

	_, err := f.svc.AddBook(ctx, f.manager, NewBook{Name: "Dune", AuthorName: &author})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.AddBook(ctx, alice, NewBook{Name: "Dune", AuthorName: &author})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.AddBook(ctx, nil, NewBook{Name: "Dune", AuthorName: &author})
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	book := f.book(t, "Dune", "Herbert")

	_, err = f.svc.DeleteBook(ctx, f.manager, book.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.AssignBook(ctx, f.admin, alice.ID, "Dune", "Herbert")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.AssignBook(ctx, alice, alice.ID, "Dune", "Herbert")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.SubmitBook(ctx, f.admin, book.ID, alice.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	assert.True(t, f.reloadBook(t, book.ID).IsAvailable, "denied calls must not write")
	assignments, err := f.svc.ListAssignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, assignments)
}

func TestAssignAndSubmitScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice := f.reader(t, "alice")
	_, err := f.svc.Authenticate(ctx, "alice", "pw-alice")
	require.NoError(t, err)

	book := f.book(t, "Dune", "Herbert")
	assert.True(t, book.IsAvailable)
	assert.False(t, book.IsDeleted)

	a, err := f.svc.AssignBook(ctx, f.manager, alice.ID, "Dune", "Herbert")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, a.UserID)
	assert.Equal(t, book.ID, a.BookID)
	assert.True(t, a.ReceiveDate.Equal(f.now))
	assert.True(t, a.ExpiryDate.Equal(f.now.Add(10*24*time.Hour)))
	assert.Nil(t, a.SubmittedDate)
	assert.False(t, f.reloadBook(t, book.ID).IsAvailable)

	returned, err := f.svc.SubmitBook(ctx, f.manager, book.ID, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, returned.SubmittedDate)
	assert.True(t, returned.SubmittedDate.Equal(f.now))
	assert.True(t, f.reloadBook(t, book.ID).IsAvailable)

	all, err := f.svc.ListAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].SubmittedDate)
}

func TestAssignBookNotAssignable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.reader(t, "alice")
	bob := f.reader(t, "bob")

	lent := f.book(t, "Dune", "Herbert")
	_, err := f.svc.AssignBook(ctx, f.manager, alice.ID, "Dune", "Herbert")
	require.NoError(t, err)
	_, err = f.svc.AssignBook(ctx, f.manager, bob.ID, "Dune", "Herbert")
	assert.ErrorIs(t, err, ErrBookNotFound, "unavailable book")

	gone := f.book(t, "Emma", "Austen")
	_, err = f.svc.DeleteBook(ctx, f.admin, gone.ID)
	require.NoError(t, err)
	_, err = f.svc.AssignBook(ctx, f.manager, bob.ID, "Emma", "Austen")
	assert.ErrorIs(t, err, ErrBookNotFound, "deleted book")

	_, err = f.svc.AssignBook(ctx, f.manager, bob.ID, "Dune", "Someone")
	assert.ErrorIs(t, err, ErrBookNotFound, "author mismatch")

	f.book(t, "Ulysses", "Joyce")
	_, err = f.svc.AssignBook(ctx, f.manager, 9999, "Ulysses", "Joyce")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.False(t, f.reloadBook(t, lent.ID).IsAvailable)
}

func TestAssignBookRollsBackWhenUserMissing(t *testing.T) {
	f := newFixture(t)
	book := f.book(t, "Dune", "Herbert")

	_, err := f.svc.AssignBook(context.Background(), f.manager, 4242, "Dune", "Herbert")
	require.ErrorIs(t, err, ErrUserNotFound)
	assert.True(t, f.reloadBook(t, book.ID).IsAvailable)
}

func TestAssignBookPicksAnotherCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.reader(t, "alice")
	bob := f.reader(t, "bob")
	first := f.book(t, "Dune", "Herbert")
	second := f.book(t, "Dune", "Herbert")

	a, err := f.svc.AssignBook(ctx, f.manager, alice.ID, "Dune", "Herbert")
	require.NoError(t, err)
	assert.Equal(t, first.ID, a.BookID)

	b, err := f.svc.AssignBook(ctx, f.manager, bob.ID, "Dune", "Herbert")
	require.NoError(t, err)
	assert.Equal(t, second.ID, b.BookID)
}

func TestAssignBookAgainAfterReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.reader(t, "alice")
	book := f.book(t, "Dune", "Herbert")

	_, err := f.svc.AssignBook(ctx, f.manager, alice.ID, "Dune", "Herbert")
	require.NoError(t, err)
	_, err = f.svc.SubmitBook(ctx, f.manager, book.ID, alice.ID)
	require.NoError(t, err)

	again, err := f.svc.AssignBook(ctx, f.manager, alice.ID, "Dune", "Herbert")
	require.NoError(t, err)
	assert.Nil(t, again.SubmittedDate)
	assert.False(t, f.reloadBook(t, book.ID).IsAvailable)
}

func TestSubmitBookErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.reader(t, "alice")
	book := f.book(t, "Dune", "Herbert")

	_, err := f.svc.SubmitBook(ctx, f.manager, 777, alice.ID)
	assert.ErrorIs(t, err, ErrBookNotFound)

	_, err = f.svc.SubmitBook(ctx, f.manager, book.ID, alice.ID)
	assert.ErrorIs(t, err, ErrAssignmentNotFound)

	_, err = f.svc.AssignBook(ctx, f.manager, alice.ID, "Dune", "Herbert")
	require.NoError(t, err)
	_, err = f.svc.SubmitBook(ctx, f.manager, book.ID, alice.ID)
	require.NoError(t, err)

	_, err = f.svc.SubmitBook(ctx, f.manager, book.ID, alice.ID)
	assert.ErrorIs(t, err, ErrAssignmentNotFound, "already submitted")
}

func TestSubmitBookOfDeletedBookKeepsItOutOfCirculation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.reader(t, "alice")
	book := f.book(t, "Dune", "Herbert")

	_, err := f.svc.AssignBook(ctx, f.manager, alice.ID, "Dune", "Herbert")
	require.NoError(t, err)
	_, err = f.svc.DeleteBook(ctx, f.admin, book.ID)
	require.NoError(t, err)

	returned, err := f.svc.SubmitBook(ctx, f.manager, book.ID, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, returned.SubmittedDate)
	assert.False(t, returned.IsOpen())

	stored := f.reloadBook(t, book.ID)
	assert.True(t, stored.IsDeleted)
	assert.False(t, stored.IsAvailable, "deleted books never become available again")

	_, err = f.svc.AssignBook(ctx, f.manager, alice.ID, "Dune", "Herbert")
	assert.ErrorIs(t, err, ErrBookNotFound)
}

// stolenBooks finds books normally but always loses the availability flip,
// as if another transaction claimed the copy first.
type stolenBooks struct {
	repositories.BookRepository
	attempts int
}

func (b *stolenBooks) MarkUnavailable(db *gorm.DB, id uint) (bool, error) {
	b.attempts++
	return false, nil
}

func TestAssignBookLosingTheFlipReportsNotFound(t *testing.T) {
	books := &stolenBooks{}
	f := newFixtureWithBooks(t, func(inner repositories.BookRepository) repositories.BookRepository {
		books.BookRepository = inner
		return books
	})
	ctx := context.Background()
	alice := f.reader(t, "alice")
	book := f.book(t, "Dune", "Herbert")

	_, err := f.svc.AssignBook(ctx, f.manager, alice.ID, "Dune", "Herbert")
	assert.ErrorIs(t, err, ErrBookNotFound)
	assert.Equal(t, 1, books.attempts, "the book was found and the flip attempted")

	all, err := f.svc.ListAssignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, all, "no assignment is written when the flip is lost")
	assert.True(t, f.reloadBook(t, book.ID).IsAvailable)
}

func TestDeleteBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book := f.book(t, "Dune", "Herbert")

	deleted, err := f.svc.DeleteBook(ctx, f.admin, book.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.True(t, f.reloadBook(t, book.ID).IsDeleted)

	_, err = f.svc.DeleteBook(ctx, f.admin, 31337)
	assert.ErrorIs(t, err, ErrBookNotFound)

	books, err := f.svc.ListBooks(ctx)
	require.NoError(t, err)
	require.Len(t, books, 1, "deleted books stay listed")
}

func TestAddBookValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.AddBook(context.Background(), f.admin, NewBook{Name: " "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.AddBook(context.Background(), f.admin, NewBook{Name: "Dune", Price: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestConcurrentAssignOfSingleBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.book(t, "Dune", "Herbert")
	readers := []*models.User{f.reader(t, "alice"), f.reader(t, "bob"), f.reader(t, "carol"), f.reader(t, "dave")}

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, len(readers))
	for i, r := range readers {
		wg.Add(1)
		go func(idx int, userID uint) {
			defer wg.Done()
			<-start
			_, errs[idx] = f.svc.AssignBook(ctx, f.manager, userID, "Dune", "Herbert")
		}(i, r.ID)
	}
	close(start)
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrBookNotFound):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, len(readers)-1, losses)

	all, err := f.svc.ListAssignments(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestLoanReports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.reader(t, "alice")
	bob := f.reader(t, "bob")
	f.book(t, "Dune", "Herbert")

	_, err := f.svc.AssignBook(ctx, f.manager, alice.ID, "Dune", "Herbert")
	require.NoError(t, err)

	mine, err := f.svc.OpenLoans(ctx, alice, alice.ID)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "Dune", mine[0].BookName)

	_, err = f.svc.OpenLoans(ctx, bob, alice.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	viaDesk, err := f.svc.OpenLoans(ctx, f.manager, alice.ID)
	require.NoError(t, err)
	assert.Len(t, viaDesk, 1)

	_, err = f.svc.OpenLoans(ctx, f.manager, 5555)
	assert.ErrorIs(t, err, ErrUserNotFound)

	overdue, err := f.svc.OverdueLoans(ctx, f.manager)
	require.NoError(t, err)
	assert.Empty(t, overdue, "loan is not yet due")

	_, err = f.svc.OverdueLoans(ctx, alice)
	assert.ErrorIs(t, err, ErrForbidden)
}
