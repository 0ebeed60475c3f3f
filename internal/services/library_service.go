package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"librarydesk/internal/auth"
	"librarydesk/internal/database"
	"librarydesk/internal/models"
	"librarydesk/internal/reports"
	"librarydesk/internal/repositories"
)

// ─── Loan Policy ──────────────────────────────────────────────────────────────

const (
	// LoanPeriodDays is how long an assigned book may be kept.
	LoanPeriodDays = 10

	// DefaultTokenTTL is the lifetime of tokens returned by Authenticate.
	DefaultTokenTTL = 30 * time.Minute
)

// ─── Sentinel Errors ──────────────────────────────────────────────────────────

var (
	// ErrNotFound is wrapped by every "missing record" error below.
	ErrNotFound = errors.New("not found")

	ErrBookNotFound       = fmt.Errorf("book %w", ErrNotFound)
	ErrUserNotFound       = fmt.Errorf("user %w", ErrNotFound)
	ErrAssignmentNotFound = fmt.Errorf("assignment record %w", ErrNotFound)

	// ErrForbidden is returned when the caller's role does not allow the action.
	ErrForbidden = errors.New("access denied")

	// ErrConflict is wrapped by uniqueness failures.
	ErrConflict      = errors.New("conflict")
	ErrUsernameTaken = fmt.Errorf("%w: username already exists", ErrConflict)

	// ErrInvalidInput marks requests that fail validation before touching storage.
	ErrInvalidInput = errors.New("invalid input")
)

// ─── Inputs ───────────────────────────────────────────────────────────────────

// NewUser is the registration input. It carries no role; CreateUser always
// registers a reader.
type NewUser struct {
	Username string
	Email    string
	Password string
}

type NewBook struct {
	Name       string
	Price      float64
	AuthorName *string
}

// ─── Service Interface ────────────────────────────────────────────────────────

// LoanReports is the read side used for loan listings.
type LoanReports interface {
	OpenLoans(ctx context.Context, userID uint) ([]reports.Loan, error)
	Overdue(ctx context.Context, now time.Time) ([]reports.Loan, error)
}

// LibraryService defines the application-level operations of the library system.
type LibraryService interface {
	CreateUser(ctx context.Context, in NewUser) (*models.User, error)
	ProvisionUser(ctx context.Context, in NewUser, role models.UserRole) (*models.User, error)
	SetRole(ctx context.Context, username string, role models.UserRole) (*models.User, error)
	Authenticate(ctx context.Context, username, password string) (string, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	AddBook(ctx context.Context, caller *models.User, in NewBook) (*models.Book, error)
	DeleteBook(ctx context.Context, caller *models.User, bookID uint) (*models.Book, error)
	ListBooks(ctx context.Context) ([]models.Book, error)

	AssignBook(ctx context.Context, caller *models.User, userID uint, bookName, authorName string) (*models.Assignment, error)
	SubmitBook(ctx context.Context, caller *models.User, bookID, userID uint) (*models.Assignment, error)
	ListAssignments(ctx context.Context) ([]models.Assignment, error)

	OpenLoans(ctx context.Context, caller *models.User, userID uint) ([]reports.Loan, error)
	OverdueLoans(ctx context.Context, caller *models.User) ([]reports.Loan, error)
}

// ─── Implementation ───────────────────────────────────────────────────────────

type Option func(*libraryService)

// WithClock replaces time.Now for loan dates and overdue checks.
func WithClock(now func() time.Time) Option {
	return func(s *libraryService) { s.now = now }
}

// WithTokenTTL sets the lifetime of tokens issued by Authenticate.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *libraryService) { s.tokenTTL = ttl }
}

type libraryService struct {
	db             *gorm.DB
	userRepo       repositories.UserRepository
	bookRepo       repositories.BookRepository
	assignmentRepo repositories.AssignmentRepository
	authn          *auth.Authenticator
	reports        LoanReports

	now      func() time.Time
	tokenTTL time.Duration
}

// NewLibraryService wires up all dependencies and returns a LibraryService.
func NewLibraryService(
	db *gorm.DB,
	userRepo repositories.UserRepository,
	bookRepo repositories.BookRepository,
	assignmentRepo repositories.AssignmentRepository,
	authn *auth.Authenticator,
	loanReports LoanReports,
	opts ...Option,
) LibraryService {
	s := &libraryService{
		db:             db,
		userRepo:       userRepo,
		bookRepo:       bookRepo,
		assignmentRepo: assignmentRepo,
		authn:          authn,
		reports:        loanReports,
		now:            time.Now,
		tokenTTL:       DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// authorize is the single place role checks happen. It runs before any read
// or write of the guarded operation.
func (s *libraryService) authorize(op string, caller *models.User, action models.Action) error {
	if caller == nil {
		return auth.ErrUnauthenticated
	}
	if !models.Allowed(caller.Role, action) {
		log.Printf("[WARN] %s: user %d (%s) with role %s denied", op, caller.ID, caller.Username, caller.Role)
		return fmt.Errorf("%w: role %s may not %s", ErrForbidden, caller.Role, action)
	}
	return nil
}

func (s *libraryService) timestamp() time.Time {
	return s.now().UTC()
}

// ─── Users ────────────────────────────────────────────────────────────────────

// CreateUser registers a reader account.
func (s *libraryService) CreateUser(ctx context.Context, in NewUser) (*models.User, error) {
	return s.createUser(ctx, "CreateUser", in, models.UserRoleReader)
}

// ProvisionUser registers an account with an explicit role. It is reserved for
// operator tooling and is not reachable over HTTP.
func (s *libraryService) ProvisionUser(ctx context.Context, in NewUser, role models.UserRole) (*models.User, error) {
	if _, ok := models.ParseUserRole(string(role)); !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	return s.createUser(ctx, "ProvisionUser", in, role)
}

func (s *libraryService) createUser(ctx context.Context, op string, in NewUser, role models.UserRole) (*models.User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	hash, err := s.authn.Hasher().Hash(in.Password)
	if err != nil {
		if errors.Is(err, auth.ErrPasswordTooLong) || errors.Is(err, auth.ErrEmptyPassword) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}

	now := s.timestamp()
	user := &models.User{
		Username:  username,
		Email:     strings.TrimSpace(in.Email),
		Password:  hash,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.userRepo.Create(tx, user); err != nil {
			if database.IsUniqueViolation(err) {
				return ErrUsernameTaken
			}
			return err
		}
		return nil
	})
	if err != nil {
		log.Printf("[ERROR] %s: failed to create user %q: %v", op, username, err)
		return nil, err
	}
	log.Printf("[INFO] %s: created user %q (id=%d, role=%s)", op, user.Username, user.ID, user.Role)
	return user, nil
}

// SetRole changes the role of an existing user.
func (s *libraryService) SetRole(ctx context.Context, username string, role models.UserRole) (*models.User, error) {
	if _, ok := models.ParseUserRole(string(role)); !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	var updated *models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.userRepo.GetByUsername(tx, username)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if err := s.userRepo.UpdateRole(tx, user.ID, role); err != nil {
			return err
		}
		updated, err = s.userRepo.GetByID(tx, user.ID)
		return err
	})
	if err != nil {
		log.Printf("[ERROR] SetRole: failed to set role of %q: %v", username, err)
		return nil, err
	}
	log.Printf("[INFO] SetRole: user %q is now %s", username, role)
	return updated, nil
}

// Authenticate checks the password and returns a signed bearer token.
func (s *libraryService) Authenticate(ctx context.Context, username, password string) (string, error) {
	user, err := s.authn.ValidateCredentials(ctx, username, password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			log.Printf("[WARN] Authenticate: rejected login for %q", username)
		}
		return "", err
	}
	token, err := s.authn.IssueToken(user.Username, s.tokenTTL)
	if err != nil {
		log.Printf("[ERROR] Authenticate: failed to sign token for %q: %v", username, err)
		return "", err
	}
	return token, nil
}

// ListUsers returns every registered user.
func (s *libraryService) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.userRepo.List(s.db.WithContext(ctx))
}

// ─── Book Management ──────────────────────────────────────────────────────────

// AddBook puts a new, available book in the catalogue.
func (s *libraryService) AddBook(ctx context.Context, caller *models.User, in NewBook) (*models.Book, error) {
	if err := s.authorize("AddBook", caller, models.ActionAddBook); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: book_name is required", ErrInvalidInput)
	}
	if in.Price < 0 {
		return nil, fmt.Errorf("%w: price must not be negative", ErrInvalidInput)
	}

	book := &models.Book{
		Name:        name,
		Price:       in.Price,
		AuthorName:  in.AuthorName,
		IsAvailable: true,
		IsDeleted:   false,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.bookRepo.Create(tx, book)
	})
	if err != nil {
		log.Printf("[ERROR] AddBook: failed to create book %q: %v", name, err)
		return nil, err
	}
	log.Printf("[INFO] AddBook: created book %q (id=%d) by %s", book.Name, book.ID, caller.Username)
	return book, nil
}

// DeleteBook soft-deletes a book. The row stays so past assignments keep
// their reference.
func (s *libraryService) DeleteBook(ctx context.Context, caller *models.User, bookID uint) (*models.Book, error) {
	if err := s.authorize("DeleteBook", caller, models.ActionDeleteBook); err != nil {
		return nil, err
	}

	var deleted *models.Book
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		book, err := s.bookRepo.GetByID(tx, bookID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}
		if err := s.bookRepo.SoftDelete(tx, book.ID); err != nil {
			return err
		}
		book.IsDeleted = true
		deleted = book
		return nil
	})
	if err != nil {
		log.Printf("[ERROR] DeleteBook: transaction failed for book %d: %v", bookID, err)
		return nil, err
	}
	log.Printf("[INFO] DeleteBook: book %d marked deleted by %s", bookID, caller.Username)
	return deleted, nil
}

// ListBooks returns every book, deleted ones included.
func (s *libraryService) ListBooks(ctx context.Context) ([]models.Book, error) {
	return s.bookRepo.List(s.db.WithContext(ctx))
}

// ─── Assignment ───────────────────────────────────────────────────────────────

// AssignBook lends the first available copy matching name and author to a user.
//
// The availability flip is a conditional update, so of two concurrent calls
// for the last copy exactly one wins; the other sees ErrBookNotFound. The flip
// and the assignment insert commit together.
func (s *libraryService) AssignBook(ctx context.Context, caller *models.User, userID uint, bookName, authorName string) (*models.Assignment, error) {
	if err := s.authorize("AssignBook", caller, models.ActionAssignBook); err != nil {
		return nil, err
	}

	var result *models.Assignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1. Find an assignable book.
		book, err := s.bookRepo.FindAssignable(tx, bookName, authorName)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}

		// 2. Validate the borrower exists.
		if _, err := s.userRepo.GetByID(tx, userID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		// 3. Claim the book.
		won, err := s.bookRepo.MarkUnavailable(tx, book.ID)
		if err != nil {
			log.Printf("[ERROR] AssignBook: failed to mark book %d unavailable: %v", book.ID, err)
			return err
		}
		if !won {
			log.Printf("[WARN] AssignBook: book %d was taken concurrently", book.ID)
			return ErrBookNotFound
		}

		// 4. Record the loan.
		now := s.timestamp()
		assignment := &models.Assignment{
			UserID:      userID,
			BookID:      book.ID,
			ReceiveDate: now,
			ExpiryDate:  now.AddDate(0, 0, LoanPeriodDays),
		}
		if err := s.assignmentRepo.Open(tx, assignment); err != nil {
			if errors.Is(err, repositories.ErrAssignmentStillOpen) {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
			log.Printf("[ERROR] AssignBook: failed to create assignment: %v", err)
			return err
		}
		result = assignment
		return nil
	})
	if err != nil {
		log.Printf("[ERROR] AssignBook: transaction failed for %q/%q to user %d: %v", bookName, authorName, userID, err)
		return nil, err
	}
	log.Printf("[INFO] AssignBook: book %d assigned to user %d by %s, due %s",
		result.BookID, result.UserID, caller.Username, result.ExpiryDate.Format("2006-01-02"))
	return result, nil
}

// ─── Return ───────────────────────────────────────────────────────────────────

// SubmitBook closes the open assignment for (book, user) and makes the book
// available again, in one transaction. A book deleted while on loan is not
// put back into circulation.
func (s *libraryService) SubmitBook(ctx context.Context, caller *models.User, bookID, userID uint) (*models.Assignment, error) {
	if err := s.authorize("SubmitBook", caller, models.ActionSubmitBook); err != nil {
		return nil, err
	}

	var result *models.Assignment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		book, err := s.bookRepo.GetByID(tx, bookID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}

		assignment, err := s.assignmentRepo.Get(tx, userID, bookID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAssignmentNotFound
			}
			return err
		}
		if !assignment.IsOpen() {
			return ErrAssignmentNotFound
		}

		now := s.timestamp()
		ok, err := s.assignmentRepo.MarkSubmitted(tx, userID, bookID, now)
		if err != nil {
			log.Printf("[ERROR] SubmitBook: failed to stamp assignment (%d,%d): %v", userID, bookID, err)
			return err
		}
		if !ok {
			// Submitted concurrently between the read and the update.
			return ErrAssignmentNotFound
		}

		// A deleted book stays unavailable; only the loan is closed.
		if book.IsDeleted {
			log.Printf("[INFO] SubmitBook: book %d is deleted, leaving it unavailable", bookID)
		} else if err := s.bookRepo.MarkAvailable(tx, bookID); err != nil {
			log.Printf("[ERROR] SubmitBook: failed to mark book %d available: %v", bookID, err)
			return err
		}

		assignment.SubmittedDate = &now
		result = assignment
		return nil
	})
	if err != nil {
		log.Printf("[ERROR] SubmitBook: transaction failed for book %d / user %d: %v", bookID, userID, err)
		return nil, err
	}
	log.Printf("[INFO] SubmitBook: book %d returned by user %d", bookID, userID)
	return result, nil
}

// ─── Queries ──────────────────────────────────────────────────────────────────

// ListAssignments returns every assignment, open and submitted.
func (s *libraryService) ListAssignments(ctx context.Context) ([]models.Assignment, error) {
	return s.assignmentRepo.List(s.db.WithContext(ctx))
}

// OpenLoans lists a user's outstanding assignments. Users may see their own;
// staff with report access may see anyone's.
func (s *libraryService) OpenLoans(ctx context.Context, caller *models.User, userID uint) ([]reports.Loan, error) {
	if caller == nil {
		return nil, auth.ErrUnauthenticated
	}
	if caller.ID != userID {
		if err := s.authorize("OpenLoans", caller, models.ActionViewReports); err != nil {
			return nil, err
		}
	}
	if _, err := s.userRepo.GetByID(s.db.WithContext(ctx), userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return s.reports.OpenLoans(ctx, userID)
}

// OverdueLoans lists outstanding assignments past their expiry date.
func (s *libraryService) OverdueLoans(ctx context.Context, caller *models.User) ([]reports.Loan, error) {
	if err := s.authorize("OverdueLoans", caller, models.ActionViewReports); err != nil {
		return nil, err
	}
	return s.reports.Overdue(ctx, s.timestamp())
}
